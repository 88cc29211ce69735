package blockchain

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/balance-game/balance-game-backend/internal/contract"
)

var (
	testContractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testSigner       = common.HexToAddress("0x000000000000000000000000000000000000beef")
	alice            = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
)

func newTestBinding(t *testing.T) *contract.BalanceGame {
	binding, err := contract.NewBalanceGame(testContractAddr)
	require.NoError(t, err)
	return binding
}

// voteLog 构造 NewVote 日志
func voteLog(t *testing.T, binding *contract.BalanceGame, gameID int64, block uint64, index uint) types.Log {
	ev := binding.ABI().Events["NewVote"]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(0), big.NewInt(1700000000))
	require.NoError(t, err)
	return types.Log{
		Address:     testContractAddr,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(gameID)), common.BytesToHash(alice.Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

// fakeChain 内存链后端
type fakeChain struct {
	mu sync.Mutex

	chainID  int64
	head     uint64
	code     []byte
	logs     []types.Log
	queries  []ethereum.FilterQuery
	callData []byte
	callRet  []byte
	callErr  error

	estimateErr error
	sent        []*types.Transaction
	receipt     *types.Receipt
	nonce       uint64
}

func (f *fakeChain) Address() common.Address { return testSigner }
func (f *fakeChain) ChainID() int64          { return f.chainID }

func (f *fakeChain) NetworkChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.logs, nil
}

func (f *fakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.callData = msg.Data
	return f.callRet, f.callErr
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, f.estimateErr
}

func (f *fakeChain) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ErrTxNotFound
	}
	return f.receipt, nil
}
