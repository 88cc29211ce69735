package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
)

const (
	testChainID   = int64(11155111)
	testChainName = "sepolia"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	carol = common.HexToAddress("0x00000000000000000000000000000000000CA401")
	dave  = common.HexToAddress("0x0000000000000000000000000000000000000DA7")
)

type testEnv struct {
	db          *gorm.DB
	checkpoints repository.CheckpointRepository
	games       repository.GameRepository
	votes       repository.VoteRepository
	winners     repository.WinnerRepository
	users       repository.UserRepository
}

// setupTestEnv 内存 SQLite 及全部仓储
func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.ChainCheckpoint{},
		&model.Game{},
		&model.Vote{},
		&model.Winner{},
	))

	return &testEnv{
		db:          db,
		checkpoints: repository.NewCheckpointRepository(db),
		games:       repository.NewGameRepository(db),
		votes:       repository.NewVoteRepository(db),
		winners:     repository.NewWinnerRepository(db),
		users:       repository.NewUserRepository(db),
	}
}

// seedUser 以小写地址写入用户
func (e *testEnv) seedUser(t *testing.T, id int64, addr common.Address) {
	require.NoError(t, e.db.Create(&model.User{
		ID:      id,
		Address: repository.NormalizeAddress(addr.Hex()),
	}).Error)
}

func (e *testEnv) handler(policies map[model.EventKind]UnknownAddressPolicy) *EventHandler {
	return NewEventHandler(e.checkpoints, e.games, e.votes, e.winners, e.users, &EventHandlerConfig{
		ChainID:   testChainID,
		ChainName: testChainName,
		Policies:  policies,
	})
}

func (e *testEnv) checkpoint(t *testing.T) int64 {
	cp, err := e.checkpoints.GetByChainID(context.Background(), testChainID)
	require.NoError(t, err)
	return cp.LastBlockNumber
}

func (e *testEnv) countRows(t *testing.T, m interface{}) int64 {
	var n int64
	require.NoError(t, e.db.Model(m).Count(&n).Error)
	return n
}

func txHash(block uint64, logIndex uint) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex)))
}

func gameCreatedEvent(block uint64, logIndex uint, gameID int64, creator common.Address, deadlineSec int64) *contract.Event {
	return &contract.Event{
		Kind:        model.EventKindGameCreated,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      txHash(block, logIndex),
		GameCreated: &contract.GameCreated{
			GameID:    big.NewInt(gameID),
			OptionA:   "cats",
			OptionB:   "dogs",
			CreatedAt: big.NewInt(1_700_000_000),
			Deadline:  big.NewInt(deadlineSec),
			Creator:   creator,
		},
	}
}

func voteEvent(block uint64, logIndex uint, gameID int64, voter common.Address, option uint8) *contract.Event {
	return &contract.Event{
		Kind:        model.EventKindVoteCast,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      txHash(block, logIndex),
		VoteCast: &contract.VoteCast{
			GameID:  big.NewInt(gameID),
			Voter:   voter,
			Option:  option,
			VotedAt: new(big.Int).SetUint64(1_700_000_000 + block),
		},
	}
}

func winnersEvent(block uint64, logIndex uint, gameID int64, winners ...common.Address) *contract.Event {
	return &contract.Event{
		Kind:        model.EventKindWinnersDrawn,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      txHash(block, logIndex),
		WinnersDrawn: &contract.WinnersDrawn{
			GameID:  big.NewInt(gameID),
			Winners: winners,
		},
	}
}

func claimEvent(block uint64, logIndex uint, gameID int64, claimant common.Address, amount int64, rank uint8) *contract.Event {
	return &contract.Event{
		Kind:        model.EventKindPrizeClaimed,
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      txHash(block, logIndex),
		PrizeClaimed: &contract.PrizeClaimed{
			GameID:   big.NewInt(gameID),
			Claimant: claimant,
			Amount:   big.NewInt(amount),
			Rank:     rank,
		},
	}
}

// fakeLedger 内存链
type fakeLedger struct {
	mu sync.Mutex

	head     uint64
	headErr  error
	events   []*contract.Event
	queryErr error
	queries  [][2]uint64

	deployed bool
	codeErr  error
	chainID  int64

	tallies  map[int64]*model.GameTally
	infoErrs map[int64]error
	checkErr map[int64]error
	checked  []int64
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		head:     head,
		deployed: true,
		chainID:  testChainID,
		tallies:  make(map[int64]*model.GameTally),
		infoErrs: make(map[int64]error),
		checkErr: make(map[int64]error),
	}
}

func (f *fakeLedger) addEvents(events ...*contract.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeLedger) setHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

func (f *fakeLedger) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeLedger) QueryEvents(ctx context.Context, kind model.EventKind, from, to uint64) ([]*contract.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if kind == model.EventKindGameCreated {
		f.queries = append(f.queries, [2]uint64{from, to})
	}
	var out []*contract.Event
	for _, ev := range f.events {
		if ev.Kind == kind && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	contract.SortEvents(out)
	return out, nil
}

func (f *fakeLedger) NetworkIdentity(ctx context.Context) (*model.NetworkIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.NetworkIdentity{ChainID: f.chainID, ChainName: testChainName}, nil
}

func (f *fakeLedger) GameInfo(ctx context.Context, gameID int64) (*model.GameTally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.infoErrs[gameID]; err != nil {
		return nil, err
	}
	if tally, ok := f.tallies[gameID]; ok {
		return tally, nil
	}
	return &model.GameTally{TotalPool: decimal.Zero}, nil
}

func (f *fakeLedger) CheckWinner(ctx context.Context, gameID int64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, gameID)
	if err := f.checkErr[gameID]; err != nil {
		return common.Hash{}, err
	}
	return common.BigToHash(big.NewInt(gameID)), nil
}

func (f *fakeLedger) HasDeployedCode(ctx context.Context, address common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployed, f.codeErr
}

var errTransport = errors.New("websocket: close 1006 (abnormal closure)")

// fakeSession 由测试控制推送与断开的订阅会话
type fakeSession struct {
	feed   chan *contract.Event
	fail   chan error
	closed chan struct{}
	once   sync.Once

	subscribeErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		feed:   make(chan *contract.Event, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) Subscribe(ctx context.Context, sink chan<- *contract.Event) (ethereum.Subscription, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case ev := <-s.feed:
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-s.fail:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (s *fakeSession) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeDialer 依次返回预设的拨号结果
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

type dialResult struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errTransport
	}
	r := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
