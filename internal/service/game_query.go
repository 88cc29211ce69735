package service

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
)

// GameSummary 单个游戏已落库的状态
type GameSummary struct {
	Game      *model.Game
	VoteCount int64
	Winners   []*model.Winner
	// Vote 指定地址在该游戏的投票, 未投票或未指定地址时为 nil
	Vote *model.Vote
}

// GameQueryService 查询本地落库的游戏数据
type GameQueryService struct {
	gameRepo   repository.GameRepository
	voteRepo   repository.VoteRepository
	winnerRepo repository.WinnerRepository
	userRepo   repository.UserRepository
}

// NewGameQueryService 创建游戏查询服务
func NewGameQueryService(
	gameRepo repository.GameRepository,
	voteRepo repository.VoteRepository,
	winnerRepo repository.WinnerRepository,
	userRepo repository.UserRepository,
) *GameQueryService {
	return &GameQueryService{
		gameRepo:   gameRepo,
		voteRepo:   voteRepo,
		winnerRepo: winnerRepo,
		userRepo:   userRepo,
	}
}

// Summary 游戏信息, 投票数与中奖名单; voter 非零时附带该地址的投票
func (s *GameQueryService) Summary(ctx context.Context, gameID int64, voter common.Address) (*GameSummary, error) {
	game, err := s.gameRepo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	count, err := s.voteRepo.CountByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	winners, err := s.winnerRepo.ListByGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	summary := &GameSummary{Game: game, VoteCount: count, Winners: winners}

	if voter == (common.Address{}) {
		return summary, nil
	}
	user, err := s.userRepo.FindByAddress(ctx, voter.Hex())
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUnknownAddress
	}
	if err != nil {
		return nil, err
	}
	vote, err := s.voteRepo.GetByGameAndUser(ctx, gameID, user.ID)
	if err != nil && !errors.Is(err, repository.ErrVoteNotFound) {
		return nil, err
	}
	summary.Vote = vote
	return summary, nil
}
