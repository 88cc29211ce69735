package repository

import (
	"context"
	"time"

	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WinnerRepository 中奖仓储接口
type WinnerRepository interface {
	// UpsertRanks 按 (game_id, user_id) 批量写入, 冲突时只更新名次
	UpsertRanks(ctx context.Context, winners []*model.Winner) error
	// ClaimByRank 按 (game_id, rank) 标记领奖, 返回受影响行数
	ClaimByRank(ctx context.Context, gameID int64, rank int, amount decimal.Decimal) (int64, error)
	// UpsertClaim 按 (game_id, user_id) 写入已领奖记录
	UpsertClaim(ctx context.Context, winner *model.Winner) error
	ListByGame(ctx context.Context, gameID int64) ([]*model.Winner, error)
}

// winnerRepository 中奖仓储实现
type winnerRepository struct {
	*Repository
}

// NewWinnerRepository 创建中奖仓储
func NewWinnerRepository(db *gorm.DB) WinnerRepository {
	return &winnerRepository{
		Repository: NewRepository(db),
	}
}

func (r *winnerRepository) UpsertRanks(ctx context.Context, winners []*model.Winner) error {
	if len(winners) == 0 {
		return nil
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rank"}),
	}).Create(&winners).Error
}

func (r *winnerRepository) ClaimByRank(ctx context.Context, gameID int64, rank int, amount decimal.Decimal) (int64, error) {
	result := r.DB(ctx).Model(&model.Winner{}).
		Where("game_id = ? AND rank = ?", gameID, rank).
		Updates(map[string]interface{}{
			"claim_pool": amount,
			"is_claimed": true,
			"claimed_at": time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

func (r *winnerRepository) UpsertClaim(ctx context.Context, winner *model.Winner) error {
	winner.IsClaimed = true
	if winner.ClaimedAt == 0 {
		winner.ClaimedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rank", "claim_pool", "is_claimed", "claimed_at"}),
	}).Create(winner).Error
}

func (r *winnerRepository) ListByGame(ctx context.Context, gameID int64) ([]*model.Winner, error) {
	var winners []*model.Winner
	err := r.DB(ctx).
		Where("game_id = ?", gameID).
		Order("rank ASC").
		Find(&winners).Error
	return winners, err
}
