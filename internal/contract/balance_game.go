// Package contract provides the BalanceGame contract ABI binding.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/balance-game/balance-game-backend/internal/model"
)

// BalanceGame contract errors
var (
	ErrUnknownEvent   = errors.New("unknown contract event")
	ErrMalformedEvent = errors.New("malformed contract event")
	ErrMalformedCall  = errors.New("malformed call result")
)

// BalanceGameABI is the ABI of the BalanceGame contract.
//
//	function getGameInfo(uint256 gameId) external view returns (uint256 voteCountA, uint256 voteCountB, uint256 totalpool);
//	function checkWinner(uint256 gameId) external;
//	event NewGame(uint256 indexed gameId, string questionA, string questionB, uint256 createdAt, uint256 deadline, address indexed creator);
//	event NewVote(uint256 indexed gameId, address indexed votedAddress, uint8 voteOption, uint256 votedAt);
//	event NewWinner(uint256 indexed gameId, address[] winners);
//	event ClaimPool(uint256 indexed gameId, address indexed claimAddress, uint256 amount, uint8 winnerRank);
const BalanceGameABI = `[
	{
		"type": "function",
		"name": "getGameInfo",
		"inputs": [
			{"name": "gameId", "type": "uint256"}
		],
		"outputs": [
			{"name": "voteCountA", "type": "uint256"},
			{"name": "voteCountB", "type": "uint256"},
			{"name": "totalpool", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "checkWinner",
		"inputs": [
			{"name": "gameId", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "NewGame",
		"inputs": [
			{"name": "gameId", "type": "uint256", "indexed": true},
			{"name": "questionA", "type": "string", "indexed": false},
			{"name": "questionB", "type": "string", "indexed": false},
			{"name": "createdAt", "type": "uint256", "indexed": false},
			{"name": "deadline", "type": "uint256", "indexed": false},
			{"name": "creator", "type": "address", "indexed": true}
		]
	},
	{
		"type": "event",
		"name": "NewVote",
		"inputs": [
			{"name": "gameId", "type": "uint256", "indexed": true},
			{"name": "votedAddress", "type": "address", "indexed": true},
			{"name": "voteOption", "type": "uint8", "indexed": false},
			{"name": "votedAt", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "NewWinner",
		"inputs": [
			{"name": "gameId", "type": "uint256", "indexed": true},
			{"name": "winners", "type": "address[]", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ClaimPool",
		"inputs": [
			{"name": "gameId", "type": "uint256", "indexed": true},
			{"name": "claimAddress", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "winnerRank", "type": "uint8", "indexed": false}
		]
	}
]`

// eventNames maps each event kind to its Solidity event name.
var eventNames = map[model.EventKind]string{
	model.EventKindGameCreated:  "NewGame",
	model.EventKindVoteCast:     "NewVote",
	model.EventKindWinnersDrawn: "NewWinner",
	model.EventKindPrizeClaimed: "ClaimPool",
}

// GameCreated is the decoded NewGame event. Times are unix seconds.
type GameCreated struct {
	GameID    *big.Int
	OptionA   string
	OptionB   string
	CreatedAt *big.Int
	Deadline  *big.Int
	Creator   common.Address
}

// VoteCast is the decoded NewVote event.
type VoteCast struct {
	GameID  *big.Int
	Voter   common.Address
	Option  uint8
	VotedAt *big.Int
}

// WinnersDrawn is the decoded NewWinner event. Winners are in rank order.
type WinnersDrawn struct {
	GameID  *big.Int
	Winners []common.Address
}

// PrizeClaimed is the decoded ClaimPool event.
type PrizeClaimed struct {
	GameID   *big.Int
	Claimant common.Address
	Amount   *big.Int
	Rank     uint8
}

// Event is a decoded contract event. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind        model.EventKind
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	Removed     bool

	GameCreated  *GameCreated
	VoteCast     *VoteCast
	WinnersDrawn *WinnersDrawn
	PrizeClaimed *PrizeClaimed
}

// GameID returns the game id carried by any event kind.
func (e *Event) GameID() *big.Int {
	switch e.Kind {
	case model.EventKindGameCreated:
		if e.GameCreated != nil {
			return e.GameCreated.GameID
		}
	case model.EventKindVoteCast:
		if e.VoteCast != nil {
			return e.VoteCast.GameID
		}
	case model.EventKindWinnersDrawn:
		if e.WinnersDrawn != nil {
			return e.WinnersDrawn.GameID
		}
	case model.EventKindPrizeClaimed:
		if e.PrizeClaimed != nil {
			return e.PrizeClaimed.GameID
		}
	}
	return nil
}

// ID returns a stable identifier of the log that produced the event.
func (e *Event) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// SortEvents orders events by (block number, log index) in place.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}

// GameInfo is the result of getGameInfo.
type GameInfo struct {
	VoteCountA *big.Int
	VoteCountB *big.Int
	TotalPool  *big.Int
}

// BalanceGame provides ABI encoding and decoding for the BalanceGame contract.
type BalanceGame struct {
	address common.Address
	abi     abi.ABI
	kinds   map[common.Hash]model.EventKind
}

// NewBalanceGame creates a new BalanceGame binding.
func NewBalanceGame(address common.Address) (*BalanceGame, error) {
	parsed, err := abi.JSON(strings.NewReader(BalanceGameABI))
	if err != nil {
		return nil, err
	}

	kinds := make(map[common.Hash]model.EventKind, len(eventNames))
	for kind, name := range eventNames {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %s missing from abi", name)
		}
		kinds[ev.ID] = kind
	}

	return &BalanceGame{
		address: address,
		abi:     parsed,
		kinds:   kinds,
	}, nil
}

// Address returns the contract address.
func (c *BalanceGame) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *BalanceGame) ABI() abi.ABI {
	return c.abi
}

// EventTopic returns the topic0 of the given event kind.
func (c *BalanceGame) EventTopic(kind model.EventKind) common.Hash {
	return c.abi.Events[eventNames[kind]].ID
}

// FilterQuery builds a log filter for the given kinds. Nil bounds are left open.
func (c *BalanceGame) FilterQuery(from, to *big.Int, kinds ...model.EventKind) ethereum.FilterQuery {
	if len(kinds) == 0 {
		kinds = model.EventKinds
	}
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		topics = append(topics, c.EventTopic(kind))
	}

	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics},
	}
}

// ParseLog decodes a raw log into an Event.
func (c *BalanceGame) ParseLog(log types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	kind, ok := c.kinds[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	event := &Event{
		Kind:        kind,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		TxHash:      log.TxHash,
		Removed:     log.Removed,
	}

	var err error
	switch kind {
	case model.EventKindGameCreated:
		event.GameCreated, err = c.parseNewGame(log)
	case model.EventKindVoteCast:
		event.VoteCast, err = c.parseNewVote(log)
	case model.EventKindWinnersDrawn:
		event.WinnersDrawn, err = c.parseNewWinner(log)
	case model.EventKindPrizeClaimed:
		event.PrizeClaimed, err = c.parseClaimPool(log)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s at block %d: %v", ErrMalformedEvent, eventNames[kind], log.BlockNumber, err)
	}
	return event, nil
}

func (c *BalanceGame) unpackData(name string, log types.Log, want int) ([]interface{}, error) {
	values, err := c.abi.Unpack(name, log.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != want {
		return nil, fmt.Errorf("expected %d data values, got %d", want, len(values))
	}
	return values, nil
}

func (c *BalanceGame) parseNewGame(log types.Log) (*GameCreated, error) {
	if len(log.Topics) < 3 {
		return nil, errors.New("not enough topics for NewGame event")
	}
	values, err := c.unpackData("NewGame", log, 4)
	if err != nil {
		return nil, err
	}

	optionA, okA := values[0].(string)
	optionB, okB := values[1].(string)
	createdAt, okC := values[2].(*big.Int)
	deadline, okD := values[3].(*big.Int)
	if !okA || !okB || !okC || !okD {
		return nil, errors.New("unexpected NewGame field types")
	}

	return &GameCreated{
		GameID:    new(big.Int).SetBytes(log.Topics[1].Bytes()),
		OptionA:   optionA,
		OptionB:   optionB,
		CreatedAt: createdAt,
		Deadline:  deadline,
		Creator:   common.BytesToAddress(log.Topics[2].Bytes()),
	}, nil
}

func (c *BalanceGame) parseNewVote(log types.Log) (*VoteCast, error) {
	if len(log.Topics) < 3 {
		return nil, errors.New("not enough topics for NewVote event")
	}
	values, err := c.unpackData("NewVote", log, 2)
	if err != nil {
		return nil, err
	}

	option, okO := values[0].(uint8)
	votedAt, okV := values[1].(*big.Int)
	if !okO || !okV {
		return nil, errors.New("unexpected NewVote field types")
	}

	return &VoteCast{
		GameID:  new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Voter:   common.BytesToAddress(log.Topics[2].Bytes()),
		Option:  option,
		VotedAt: votedAt,
	}, nil
}

func (c *BalanceGame) parseNewWinner(log types.Log) (*WinnersDrawn, error) {
	if len(log.Topics) < 2 {
		return nil, errors.New("not enough topics for NewWinner event")
	}
	values, err := c.unpackData("NewWinner", log, 1)
	if err != nil {
		return nil, err
	}

	winners, ok := values[0].([]common.Address)
	if !ok {
		return nil, errors.New("unexpected NewWinner field types")
	}

	return &WinnersDrawn{
		GameID:  new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Winners: winners,
	}, nil
}

func (c *BalanceGame) parseClaimPool(log types.Log) (*PrizeClaimed, error) {
	if len(log.Topics) < 3 {
		return nil, errors.New("not enough topics for ClaimPool event")
	}
	values, err := c.unpackData("ClaimPool", log, 2)
	if err != nil {
		return nil, err
	}

	amount, okA := values[0].(*big.Int)
	rank, okR := values[1].(uint8)
	if !okA || !okR {
		return nil, errors.New("unexpected ClaimPool field types")
	}

	return &PrizeClaimed{
		GameID:   new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Claimant: common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:   amount,
		Rank:     rank,
	}, nil
}

// PackGetGameInfo packs the getGameInfo call data.
func (c *BalanceGame) PackGetGameInfo(gameID *big.Int) ([]byte, error) {
	return c.abi.Pack("getGameInfo", gameID)
}

// UnpackGetGameInfo decodes the getGameInfo return data.
func (c *BalanceGame) UnpackGetGameInfo(data []byte) (*GameInfo, error) {
	values, err := c.abi.Unpack("getGameInfo", data)
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("%w: getGameInfo returned %d values", ErrMalformedCall, len(values))
	}

	voteCountA, okA := values[0].(*big.Int)
	voteCountB, okB := values[1].(*big.Int)
	totalPool, okP := values[2].(*big.Int)
	if !okA || !okB || !okP {
		return nil, fmt.Errorf("%w: getGameInfo field types", ErrMalformedCall)
	}

	return &GameInfo{
		VoteCountA: voteCountA,
		VoteCountB: voteCountB,
		TotalPool:  totalPool,
	}, nil
}

// PackCheckWinner packs the checkWinner call data.
func (c *BalanceGame) PackCheckWinner(gameID *big.Int) ([]byte, error) {
	if gameID == nil || gameID.Sign() < 0 {
		return nil, errors.New("invalid game id")
	}
	return c.abi.Pack("checkWinner", gameID)
}
