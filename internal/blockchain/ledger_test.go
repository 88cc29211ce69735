package blockchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/model"
)

func newTestLedger(t *testing.T, chain *fakeChain) *Ledger {
	return NewLedger(chain, newTestBinding(t), &LedgerConfig{
		ReceiptTimeout: 50 * time.Millisecond,
		ReceiptPoll:    5 * time.Millisecond,
	})
}

func TestChainName(t *testing.T) {
	assert.Equal(t, "sepolia", ChainName(11155111))
	assert.Equal(t, "mainnet", ChainName(1))
	assert.Equal(t, "unknown", ChainName(424242))
}

func TestLedger_NetworkIdentity(t *testing.T) {
	ledger := newTestLedger(t, &fakeChain{chainID: 11155111})
	id, err := ledger.NetworkIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), id.ChainID)
	assert.Equal(t, "sepolia", id.ChainName)

	named := NewLedger(&fakeChain{chainID: 424242}, newTestBinding(t), &LedgerConfig{ChainName: "devnet"})
	id, err = named.NetworkIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "devnet", id.ChainName)
}

func TestLedger_HasDeployedCode(t *testing.T) {
	ledger := newTestLedger(t, &fakeChain{})
	ok, err := ledger.HasDeployedCode(context.Background(), testContractAddr)
	require.NoError(t, err)
	assert.False(t, ok)

	ledger = newTestLedger(t, &fakeChain{code: []byte{0x60, 0x80}})
	ok, err = ledger.HasDeployedCode(context.Background(), testContractAddr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_QueryEvents(t *testing.T) {
	binding := newTestBinding(t)
	removed := voteLog(t, binding, 1, 101, 0)
	removed.Removed = true
	truncated := voteLog(t, binding, 1, 103, 0)
	truncated.Data = truncated.Data[:8]

	chain := &fakeChain{logs: []types.Log{
		voteLog(t, binding, 1, 104, 2),
		voteLog(t, binding, 1, 101, 5),
		removed,
		truncated,
		voteLog(t, binding, 1, 104, 1),
	}}
	ledger := newTestLedger(t, chain)

	events, err := ledger.QueryEvents(context.Background(), model.EventKindVoteCast, 100, 105)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(101), events[0].BlockNumber)
	assert.Equal(t, uint(1), events[1].LogIndex)
	assert.Equal(t, uint(2), events[2].LogIndex)

	require.Len(t, chain.queries, 1)
	assert.Equal(t, int64(100), chain.queries[0].FromBlock.Int64())
	assert.Equal(t, int64(105), chain.queries[0].ToBlock.Int64())
	assert.Equal(t, binding.EventTopic(model.EventKindVoteCast), chain.queries[0].Topics[0][0])
}

func TestLedger_GameInfo(t *testing.T) {
	binding := newTestBinding(t)
	ret, err := binding.ABI().Methods["getGameInfo"].Outputs.Pack(big.NewInt(3), big.NewInt(4), big.NewInt(700))
	require.NoError(t, err)

	chain := &fakeChain{callRet: ret}
	ledger := newTestLedger(t, chain)

	tally, err := ledger.GameInfo(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tally.VoteCountA)
	assert.Equal(t, int64(4), tally.VoteCountB)
	assert.True(t, tally.TotalPool.Equal(decimal.NewFromInt(700)))
	assert.Equal(t, binding.ABI().Methods["getGameInfo"].ID, chain.callData[:4])

	chain.callErr = errors.New("rpc down")
	_, err = ledger.GameInfo(context.Background(), 7)
	assert.Error(t, err)
}

func TestLedger_GameInfoOutOfRange(t *testing.T) {
	binding := newTestBinding(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 70)
	ret, err := binding.ABI().Methods["getGameInfo"].Outputs.Pack(big.NewInt(3), huge, big.NewInt(700))
	require.NoError(t, err)

	_, err = newTestLedger(t, &fakeChain{callRet: ret}).GameInfo(context.Background(), 7)
	assert.ErrorIs(t, err, contract.ErrMalformedCall)
	assert.Contains(t, err.Error(), "voteCountB")
}

func TestLedger_CheckWinner(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		chain := &fakeChain{
			nonce:   9,
			receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(200)},
		}
		ledger := newTestLedger(t, chain)

		hash, err := ledger.CheckWinner(context.Background(), 7)
		require.NoError(t, err)
		require.Len(t, chain.sent, 1)
		tx := chain.sent[0]
		assert.Equal(t, hash, tx.Hash())
		assert.Equal(t, uint64(9), tx.Nonce())
		assert.Equal(t, uint64(120_000), tx.Gas())
		assert.Equal(t, testContractAddr, *tx.To())
	})

	t.Run("reverted", func(t *testing.T) {
		chain := &fakeChain{
			receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(200)},
		}
		_, err := newTestLedger(t, chain).CheckWinner(context.Background(), 7)
		assert.ErrorIs(t, err, ErrTxFailed)
	})

	t.Run("estimate fails", func(t *testing.T) {
		chain := &fakeChain{estimateErr: errors.New("execution reverted: Not enough voters")}
		_, err := newTestLedger(t, chain).CheckWinner(context.Background(), 7)
		assert.ErrorContains(t, err, "Not enough voters")
		assert.Empty(t, chain.sent)
	})

	t.Run("receipt timeout", func(t *testing.T) {
		chain := &fakeChain{}
		hash, err := newTestLedger(t, chain).CheckWinner(context.Background(), 7)
		assert.ErrorIs(t, err, ErrReceiptTimeout)
		require.Len(t, chain.sent, 1)
		assert.Equal(t, chain.sent[0].Hash(), hash)
	})

	t.Run("caller cancelled after send", func(t *testing.T) {
		chain := &fakeChain{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		hash, err := newTestLedger(t, chain).CheckWinner(ctx, 7)
		assert.ErrorIs(t, err, ErrReceiptTimeout)
		require.Len(t, chain.sent, 1)
		assert.NotEqual(t, common.Hash{}, hash)
	})
}
