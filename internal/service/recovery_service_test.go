package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/model"
)

func newTestRecovery(env *testEnv, ledger Ledger, h *EventHandler, deployBlock, logRange uint64) *RecoveryService {
	return NewRecoveryService(ledger, h, env.checkpoints, &RecoveryConfig{
		ChainID:     testChainID,
		ChainName:   testChainName,
		DeployBlock: deployBlock,
		LogRange:    logRange,
	})
}

func TestRecovery_FromGenesis(t *testing.T) {
	env := setupTestEnv(t)
	env.seedUser(t, 1, alice)
	ledger := newFakeLedger(105)
	ledger.addEvents(gameCreatedEvent(102, 0, 1, alice, 1_700_003_600))

	svc := newTestRecovery(env, ledger, env.handler(nil), 100, 0)
	result, err := svc.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(100), result.FromBlock)
	assert.Equal(t, uint64(105), result.ToBlock)
	assert.Equal(t, 1, result.Applied[model.EventKindGameCreated])
	assert.Equal(t, 1, result.Total())
	assert.Equal(t, 1, result.Windows)

	game, err := env.games.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), game.CreatedBy)
	assert.Equal(t, int64(105), env.checkpoint(t))
}

func TestRecovery_Convergence(t *testing.T) {
	env := setupTestEnv(t)
	env.seedUser(t, 1, alice)
	env.seedUser(t, 2, bob)
	env.seedUser(t, 3, carol)
	ledger := newFakeLedger(130)
	ledger.addEvents(
		// 已在检查点之前的事件不会被查询
		gameCreatedEvent(90, 0, 9, alice, 1_700_003_600),
		gameCreatedEvent(111, 0, 1, alice, 1_700_003_600),
		voteEvent(112, 0, 1, bob, 0),
		voteEvent(112, 1, 1, carol, 1),
		winnersEvent(120, 0, 1, bob, carol),
		claimEvent(125, 3, 1, bob, 900, 1),
	)
	ctx := context.Background()
	require.NoError(t, env.checkpoints.Upsert(ctx, testChainID, testChainName, 110))

	svc := newTestRecovery(env, ledger, env.handler(nil), 0, 0)
	result, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), result.FromBlock)
	assert.Equal(t, 5, result.Total())

	assert.Equal(t, int64(130), env.checkpoint(t))
	assert.Equal(t, int64(1), env.countRows(t, &model.Game{}))
	assert.Equal(t, int64(2), env.countRows(t, &model.Vote{}))

	winners, err := env.winners.ListByGame(ctx, 1)
	require.NoError(t, err)
	require.Len(t, winners, 2)
	assert.Equal(t, int64(2), winners[0].UserID)
	assert.True(t, winners[0].IsClaimed)
	assert.Equal(t, "900", winners[0].ClaimPool.String())

	// 再次回放只重放链头区块, 结果不变
	again, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(130), again.FromBlock)
	assert.Zero(t, again.Total())
	assert.Equal(t, int64(2), env.countRows(t, &model.Vote{}))
	assert.Equal(t, int64(2), env.countRows(t, &model.Winner{}))
	assert.Equal(t, int64(130), env.checkpoint(t))
}

func TestRecovery_MergesKindsByBlock(t *testing.T) {
	env := setupTestEnv(t)
	env.seedUser(t, 1, alice)
	env.seedUser(t, 2, bob)
	ledger := newFakeLedger(10)
	ledger.addEvents(
		voteEvent(5, 1, 1, bob, 1),
		gameCreatedEvent(5, 0, 1, alice, 1_700_003_600),
	)

	var order []model.EventKind
	h := env.handler(nil)
	h.SetOnApplied(func(ctx context.Context, ev *contract.Event) error {
		order = append(order, ev.Kind)
		return nil
	})

	_, err := newTestRecovery(env, ledger, h, 0, 0).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{model.EventKindGameCreated, model.EventKindVoteCast}, order)
}

func TestRecovery_Windows(t *testing.T) {
	env := setupTestEnv(t)
	env.seedUser(t, 1, alice)
	ledger := newFakeLedger(109)
	ledger.addEvents(
		gameCreatedEvent(101, 0, 1, alice, 1_700_003_600),
		gameCreatedEvent(108, 0, 2, alice, 1_700_003_600),
	)

	result, err := newTestRecovery(env, ledger, env.handler(nil), 100, 4).Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Windows)
	assert.Equal(t, [][2]uint64{{100, 103}, {104, 107}, {108, 109}}, ledger.queries)
	assert.Equal(t, int64(2), env.countRows(t, &model.Game{}))
	assert.Equal(t, int64(109), env.checkpoint(t))
}

func TestRecovery_FailedWindowRollsBack(t *testing.T) {
	env := setupTestEnv(t)
	env.seedUser(t, 1, alice)
	ledger := newFakeLedger(109)
	ledger.addEvents(
		gameCreatedEvent(101, 0, 1, alice, 1_700_003_600),
		gameCreatedEvent(105, 0, 2, alice, 1_700_003_600),
		// 未知投票地址, 默认策略中止
		voteEvent(106, 0, 2, dave, 0),
	)

	svc := newTestRecovery(env, ledger, env.handler(nil), 100, 4)
	result, err := svc.Recover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAddress)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Windows)

	// 第一个窗口已提交, 第二个窗口整体回滚
	assert.Equal(t, int64(103), env.checkpoint(t))
	_, err = env.games.GetByID(context.Background(), 1)
	assert.NoError(t, err)
	_, err = env.games.GetByID(context.Background(), 2)
	assert.Error(t, err)

	// 补齐用户后下一次回放从检查点继续
	env.seedUser(t, 4, dave)
	result, err = svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(103), result.FromBlock)
	assert.Equal(t, int64(109), env.checkpoint(t))
	assert.Equal(t, int64(1), env.countRows(t, &model.Vote{}))
}

func TestRecovery_QueryErrorLeavesCheckpoint(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.checkpoints.Upsert(ctx, testChainID, testChainName, 50))

	ledger := newFakeLedger(60)
	ledger.queryErr = errors.New("eth_getLogs: request timed out")

	_, err := newTestRecovery(env, ledger, env.handler(nil), 0, 0).Recover(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(50), env.checkpoint(t))

	ledger.queryErr = nil
	ledger.headErr = errors.New("connection refused")
	_, err = newTestRecovery(env, ledger, env.handler(nil), 0, 0).Recover(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(50), env.checkpoint(t))
}

func TestRecovery_CheckpointAheadOfHead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.checkpoints.Upsert(ctx, testChainID, testChainName, 120))

	result, err := newTestRecovery(env, newFakeLedger(105), env.handler(nil), 0, 0).Recover(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, int64(120), env.checkpoint(t))
}

func TestRecovery_Status(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	ledger := newFakeLedger(500)
	svc := newTestRecovery(env, ledger, env.handler(nil), 0, 0)

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.HasCheckpoint)
	assert.Equal(t, uint64(500), status.Lag)

	require.NoError(t, env.checkpoints.Upsert(ctx, testChainID, testChainName, 480))
	status, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.HasCheckpoint)
	assert.Equal(t, testChainName, status.ChainName)
	assert.Equal(t, uint64(480), status.CheckpointBlock)
	assert.Equal(t, uint64(500), status.HeadBlock)
	assert.Equal(t, uint64(20), status.Lag)
}
