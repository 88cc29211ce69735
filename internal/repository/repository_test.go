package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/balance-game/balance-game-backend/internal/model"
)

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接独立, 固定单连接
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
	return db
}

// setupMockDB 创建模拟数据库
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return gormDB, mock, cleanup
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"disk full", &pgconn.PgError{Code: "53100"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestTransactionWithRetry_RetriesSerializationFailure(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	repo := NewRepository(gormDB)
	attempts := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWithRetry_NonRetryable(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectRollback()

	repo := NewRepository(gormDB)
	boom := errors.New("boom")
	attempts := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransaction_RollbackAcrossRepositories(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	checkpoints := NewCheckpointRepository(db)
	games := NewGameRepository(db)

	boom := errors.New("boom")
	err := checkpoints.Transaction(ctx, func(txCtx context.Context) error {
		if err := games.Upsert(txCtx, &model.Game{ID: 1, OptionA: "a", OptionB: "b", Deadline: 10, CreatedBy: 1}); err != nil {
			return err
		}
		if err := checkpoints.Upsert(txCtx, 1, "mainnet", 50); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = games.GetByID(ctx, 1)
	assert.ErrorIs(t, err, ErrGameNotFound)
	_, err = checkpoints.GetByChainID(ctx, 1)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestTransaction_NestedReusesOuter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	checkpoints := NewCheckpointRepository(db)

	boom := errors.New("boom")
	err := checkpoints.Transaction(ctx, func(txCtx context.Context) error {
		inner := checkpoints.Transaction(txCtx, func(innerCtx context.Context) error {
			return checkpoints.Upsert(innerCtx, 1, "mainnet", 10)
		})
		require.NoError(t, inner)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = checkpoints.GetByChainID(ctx, 1)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
