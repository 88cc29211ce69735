package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-game/balance-game-backend/internal/model"
)

func newGame(id, deadline int64) *model.Game {
	return &model.Game{
		ID:        id,
		OptionA:   "cats",
		OptionB:   "dogs",
		CreatedAt: 1000,
		Deadline:  deadline,
		CreatedBy: 1,
	}
}

func TestGameRepository_UpsertIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewGameRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newGame(7, 5000)))
	require.NoError(t, repo.Upsert(ctx, newGame(7, 5000)))

	var count int64
	require.NoError(t, db.Model(&model.Game{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	game, err := repo.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "cats", game.OptionA)
	assert.Equal(t, int64(5000), game.Deadline)
}

func TestGameRepository_UpsertKeepsTallyAndCheck(t *testing.T) {
	repo := NewGameRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newGame(1, 100)))
	require.NoError(t, repo.MarkChecked(ctx, 1, &model.GameTally{
		VoteCountA: 3,
		VoteCountB: 4,
		TotalPool:  decimal.NewFromInt(700),
	}, "execution reverted"))

	// 重放 GameCreated
	require.NoError(t, repo.Upsert(ctx, newGame(1, 100)))

	game, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, game.IsChecked)
	assert.Equal(t, "execution reverted", game.FailMessage)
	assert.Equal(t, int64(3), game.VoteCountA)
	assert.Equal(t, int64(4), game.VoteCountB)
	assert.True(t, game.TotalPool.Equal(decimal.NewFromInt(700)))
	assert.NotZero(t, game.FinalizedAt)
}

func TestGameRepository_UpdateTally(t *testing.T) {
	repo := NewGameRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.UpdateTally(ctx, 99, &model.GameTally{})
	assert.ErrorIs(t, err, ErrGameNotFound)

	require.NoError(t, repo.Upsert(ctx, newGame(2, 100)))
	require.NoError(t, repo.UpdateTally(ctx, 2, &model.GameTally{
		VoteCountA: 10,
		VoteCountB: 1,
		TotalPool:  decimal.NewFromInt(1100),
	}))

	game, err := repo.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(10), game.VoteCountA)
	assert.Equal(t, int64(1), game.VoteCountB)
	assert.True(t, game.TotalPool.Equal(decimal.NewFromInt(1100)))
	assert.False(t, game.IsChecked)
}

func TestGameRepository_ListOpenAndDue(t *testing.T) {
	repo := NewGameRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newGame(1, 100)))
	require.NoError(t, repo.Upsert(ctx, newGame(2, 200)))
	require.NoError(t, repo.Upsert(ctx, newGame(3, 300)))
	require.NoError(t, repo.Upsert(ctx, newGame(4, 50)))
	require.NoError(t, repo.MarkChecked(ctx, 4, nil, ""))

	open, err := repo.ListOpen(ctx, 200)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(3), open[0].ID)

	due, err := repo.ListDueForFinalization(ctx, 200, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(1), due[0].ID)
	assert.Equal(t, int64(2), due[1].ID)

	due, err = repo.ListDueForFinalization(ctx, 200, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestGameRepository_MarkCheckedWithoutTally(t *testing.T) {
	repo := NewGameRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, newGame(5, 100)))
	require.NoError(t, repo.UpdateTally(ctx, 5, &model.GameTally{VoteCountA: 2, TotalPool: decimal.NewFromInt(5)}))
	require.NoError(t, repo.MarkChecked(ctx, 5, nil, ""))

	game, err := repo.GetByID(ctx, 5)
	require.NoError(t, err)
	assert.True(t, game.IsChecked)
	assert.Empty(t, game.FailMessage)
	assert.Equal(t, int64(2), game.VoteCountA)

	assert.ErrorIs(t, repo.MarkChecked(ctx, 404, nil, ""), ErrGameNotFound)
}
