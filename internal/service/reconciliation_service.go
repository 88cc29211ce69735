package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
	"github.com/balance-game/balance-game-backend/pkg/logger"
	"github.com/balance-game/balance-game-backend/pkg/tracing"
)

const (
	defaultFinalizeBatch = 100
	// markCheckedTimeout 交易已发出后写回结算标记的时限, 不受任务取消影响
	markCheckedTimeout = 10 * time.Second
)

// ReconciliationConfig 对账配置
type ReconciliationConfig struct {
	// FinalizeBatch 单次结算扫描的最大游戏数
	FinalizeBatch int
	// ReceiptTimeout checkWinner 等待回执的最长时间
	// 任务剩余时间不足该值时不再开始新的结算
	ReceiptTimeout time.Duration
}

// RefreshResult 统计刷新结果
type RefreshResult struct {
	Total     int
	Refreshed int
	Failed    int
}

// FinalizeResult 结算扫描结果
type FinalizeResult struct {
	Attempted int
	Succeeded int
	Failed    int
}

// ReconciliationService 刷新链上统计并触发到期游戏结算
type ReconciliationService struct {
	ledger   Ledger
	gameRepo repository.GameRepository

	finalizeBatch  int
	receiptTimeout time.Duration
	now            func() time.Time
}

// NewReconciliationService 创建对账服务
func NewReconciliationService(ledger Ledger, gameRepo repository.GameRepository, cfg *ReconciliationConfig) *ReconciliationService {
	batch := cfg.FinalizeBatch
	if batch <= 0 {
		batch = defaultFinalizeBatch
	}
	return &ReconciliationService{
		ledger:        ledger,
		gameRepo:      gameRepo,
		finalizeBatch:  batch,
		receiptTimeout: cfg.ReceiptTimeout,
		now:            time.Now,
	}
}

// RefreshTallies 刷新所有未截止游戏的投票数和奖池
// 单个游戏失败只记录日志
func (s *ReconciliationService) RefreshTallies(ctx context.Context) (*RefreshResult, error) {
	games, err := s.gameRepo.ListOpen(ctx, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}

	result := &RefreshResult{Total: len(games)}
	for _, game := range games {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.refreshOne(ctx, game); err != nil {
			result.Failed++
			metrics.RecordTallyRefresh(false)
			logger.Warn("refresh tally failed",
				zap.Int64("game_id", game.ID),
				zap.Error(err))
			continue
		}
		result.Refreshed++
		metrics.RecordTallyRefresh(true)
	}

	if result.Total > 0 {
		logger.Debug("tallies refreshed",
			zap.Int("total", result.Total),
			zap.Int("refreshed", result.Refreshed),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (s *ReconciliationService) refreshOne(ctx context.Context, game *model.Game) error {
	tally, err := s.ledger.GameInfo(ctx, game.ID)
	if err != nil {
		return err
	}
	return s.gameRepo.TransactionWithRetry(ctx, repository.DefaultTxRetries, func(txCtx context.Context) error {
		return s.gameRepo.UpdateTally(txCtx, game.ID, tally)
	})
}

// FinalizeDueGames 对已截止且未结算的游戏发起 checkWinner 调用
// 无论调用成功与否都会标记 is_checked, 失败原因写入 fail_message
func (s *ReconciliationService) FinalizeDueGames(ctx context.Context) (*FinalizeResult, error) {
	games, err := s.gameRepo.ListDueForFinalization(ctx, s.now().UnixMilli(), s.finalizeBatch)
	if err != nil {
		return nil, err
	}

	result := &FinalizeResult{}
	for _, game := range games {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !s.hasTimeForReceipt(ctx) {
			logger.Warn("finalization sweep stopped, not enough time left to await receipt",
				zap.Int64("next_game_id", game.ID),
				zap.Duration("receipt_timeout", s.receiptTimeout))
			break
		}
		s.finalizeOne(ctx, game, result)
	}

	if result.Attempted > 0 {
		logger.Info("finalization sweep completed",
			zap.Int("attempted", result.Attempted),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// hasTimeForReceipt 任务截止前是否还能完整等待一次回执
func (s *ReconciliationService) hasTimeForReceipt(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok || s.receiptTimeout <= 0 {
		return true
	}
	return time.Until(deadline) >= s.receiptTimeout
}

func (s *ReconciliationService) finalizeOne(ctx context.Context, game *model.Game, result *FinalizeResult) {
	ctx, span := tracing.StartSpan(ctx, "finalize.check_winner", tracing.AttrGameID.Int64(game.ID))
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	tally, err := s.ledger.GameInfo(ctx, game.ID)
	if err != nil {
		logger.Warn("read final tally failed",
			zap.Int64("game_id", game.ID),
			zap.Error(err))
		tally = nil
	}

	txHash, callErr := s.ledger.CheckWinner(ctx, game.ID)
	spanErr = callErr
	sent := txHash != (common.Hash{})
	if sent {
		span.SetAttributes(tracing.AttrTxHash.String(txHash.Hex()))
	}
	if callErr != nil && !sent && ctx.Err() != nil {
		// 交易未发出就被取消, 下次扫描重新结算
		return
	}

	result.Attempted++
	failMessage := ""
	if callErr != nil {
		failMessage = callErr.Error()
		result.Failed++
		metrics.RecordFinalizeCall(false)
		logger.Error("checkWinner failed",
			zap.Int64("game_id", game.ID),
			zap.String("tx_hash", txHash.Hex()),
			zap.Bool("sent", sent),
			zap.Error(callErr))
	} else {
		result.Succeeded++
		metrics.RecordFinalizeCall(true)
		logger.Info("checkWinner succeeded",
			zap.Int64("game_id", game.ID),
			zap.String("tx_hash", txHash.Hex()))
	}

	// 交易已上链广播, 即使任务被取消也必须写回标记, 否则会重复发送
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markCheckedTimeout)
	defer cancel()
	err = s.gameRepo.TransactionWithRetry(markCtx, repository.DefaultTxRetries, func(txCtx context.Context) error {
		return s.gameRepo.MarkChecked(txCtx, game.ID, tally, failMessage)
	})
	if err != nil {
		logger.Error("mark game checked failed",
			zap.Int64("game_id", game.ID),
			zap.String("tx_hash", txHash.Hex()),
			zap.Error(err))
	}
}
