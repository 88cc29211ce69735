package repository

import (
	"context"
	"errors"

	"github.com/balance-game/balance-game-backend/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrVoteNotFound = errors.New("vote not found")

// VoteRepository 投票仓储接口
type VoteRepository interface {
	// Upsert 按 (game_id, user_id) 写入, 仅当新事件区块不早于已存记录时覆盖
	Upsert(ctx context.Context, vote *model.Vote) error
	GetByGameAndUser(ctx context.Context, gameID, userID int64) (*model.Vote, error)
	CountByGame(ctx context.Context, gameID int64) (int64, error)
}

// voteRepository 投票仓储实现
type voteRepository struct {
	*Repository
}

// NewVoteRepository 创建投票仓储
func NewVoteRepository(db *gorm.DB) VoteRepository {
	return &voteRepository{
		Repository: NewRepository(db),
	}
}

func (r *voteRepository) Upsert(ctx context.Context, vote *model.Vote) error {
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "game_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"option", "voted_at", "block_number"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("excluded.block_number >= votes.block_number"),
		}},
	}).Create(vote).Error
}

func (r *voteRepository) GetByGameAndUser(ctx context.Context, gameID, userID int64) (*model.Vote, error) {
	var vote model.Vote
	err := r.DB(ctx).Where("game_id = ? AND user_id = ?", gameID, userID).First(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

func (r *voteRepository) CountByGame(ctx context.Context, gameID int64) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Vote{}).Where("game_id = ?", gameID).Count(&count).Error
	return count, err
}
