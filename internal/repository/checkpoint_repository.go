package repository

import (
	"context"
	"errors"
	"time"

	"github.com/balance-game/balance-game-backend/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 链同步检查点仓储接口
type CheckpointRepository interface {
	Transactor
	GetByChainID(ctx context.Context, chainID int64) (*model.ChainCheckpoint, error)
	// Upsert 写入检查点, 已存在时只会前进不会回退
	Upsert(ctx context.Context, chainID int64, chainName string, blockNumber int64) error
}

// checkpointRepository 检查点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) GetByChainID(ctx context.Context, chainID int64) (*model.ChainCheckpoint, error) {
	var checkpoint model.ChainCheckpoint
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Upsert(ctx context.Context, chainID int64, chainName string, blockNumber int64) error {
	now := time.Now().UnixMilli()
	checkpoint := &model.ChainCheckpoint{
		ChainID:         chainID,
		ChainName:       chainName,
		LastBlockNumber: blockNumber,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_block_number": gorm.Expr("CASE WHEN excluded.last_block_number > chain_checkpoints.last_block_number " +
				"THEN excluded.last_block_number ELSE chain_checkpoints.last_block_number END"),
			"chain_name": gorm.Expr("excluded.chain_name"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(checkpoint).Error
}
