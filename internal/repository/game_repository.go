package repository

import (
	"context"
	"errors"
	"time"

	"github.com/balance-game/balance-game-backend/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrGameNotFound = errors.New("game not found")

// GameRepository 游戏仓储接口
type GameRepository interface {
	Transactor
	GetByID(ctx context.Context, id int64) (*model.Game, error)
	// Upsert 按 id 写入游戏基础信息, 不覆盖统计、结算字段
	Upsert(ctx context.Context, game *model.Game) error
	UpdateTally(ctx context.Context, id int64, tally *model.GameTally) error
	// ListOpen 截止时间在 now 之后的游戏
	ListOpen(ctx context.Context, nowMilli int64) ([]*model.Game, error)
	// ListDueForFinalization 已截止且未检查的游戏
	ListDueForFinalization(ctx context.Context, nowMilli int64, limit int) ([]*model.Game, error)
	// MarkChecked 记录结算尝试结果, tally 为空时不更新统计
	MarkChecked(ctx context.Context, id int64, tally *model.GameTally, failMessage string) error
}

// gameRepository 游戏仓储实现
type gameRepository struct {
	*Repository
}

// NewGameRepository 创建游戏仓储
func NewGameRepository(db *gorm.DB) GameRepository {
	return &gameRepository{
		Repository: NewRepository(db),
	}
}

func (r *gameRepository) GetByID(ctx context.Context, id int64) (*model.Game, error) {
	var game model.Game
	err := r.DB(ctx).Where("id = ?", id).First(&game).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}
	return &game, nil
}

func (r *gameRepository) Upsert(ctx context.Context, game *model.Game) error {
	game.UpdatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"option_a", "option_b", "created_at", "deadline", "created_by", "updated_at"}),
	}).Create(game).Error
}

func (r *gameRepository) UpdateTally(ctx context.Context, id int64, tally *model.GameTally) error {
	result := r.DB(ctx).Model(&model.Game{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"vote_count_a": tally.VoteCountA,
			"vote_count_b": tally.VoteCountB,
			"total_pool":   tally.TotalPool,
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGameNotFound
	}
	return nil
}

func (r *gameRepository) ListOpen(ctx context.Context, nowMilli int64) ([]*model.Game, error) {
	var games []*model.Game
	err := r.DB(ctx).
		Where("deadline > ?", nowMilli).
		Order("id ASC").
		Find(&games).Error
	return games, err
}

func (r *gameRepository) ListDueForFinalization(ctx context.Context, nowMilli int64, limit int) ([]*model.Game, error) {
	var games []*model.Game
	query := r.DB(ctx).
		Where("deadline <= ? AND is_checked = ?", nowMilli, false).
		Order("deadline ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&games).Error
	return games, err
}

func (r *gameRepository) MarkChecked(ctx context.Context, id int64, tally *model.GameTally, failMessage string) error {
	now := time.Now().UnixMilli()
	updates := map[string]interface{}{
		"is_checked":   true,
		"fail_message": failMessage,
		"finalized_at": now,
		"updated_at":   now,
	}
	if tally != nil {
		updates["vote_count_a"] = tally.VoteCountA
		updates["vote_count_b"] = tally.VoteCountB
		updates["total_pool"] = tally.TotalPool
	}

	result := r.DB(ctx).Model(&model.Game{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGameNotFound
	}
	return nil
}
