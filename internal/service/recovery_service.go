package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
	"github.com/balance-game/balance-game-backend/pkg/logger"
	"github.com/balance-game/balance-game-backend/pkg/tracing"
)

const defaultLogRange = 2000

// RecoveryConfig 回放配置
type RecoveryConfig struct {
	ChainID   int64
	ChainName string
	// DeployBlock 无检查点时的起始区块
	DeployBlock uint64
	// LogRange 单次查询的区块跨度
	LogRange uint64
}

// RecoveryResult 一次回放的结果
type RecoveryResult struct {
	FromBlock uint64
	ToBlock   uint64
	Skipped   bool
	Windows   int
	Applied   map[model.EventKind]int
	Duration  time.Duration
}

// Total 回放的事件总数
func (r *RecoveryResult) Total() int {
	total := 0
	for _, n := range r.Applied {
		total += n
	}
	return total
}

// IndexerStatus 同步进度
type IndexerStatus struct {
	ChainID         int64  `json:"chain_id"`
	ChainName       string `json:"chain_name"`
	HasCheckpoint   bool   `json:"has_checkpoint"`
	CheckpointBlock uint64 `json:"checkpoint_block"`
	HeadBlock       uint64 `json:"head_block"`
	Lag             uint64 `json:"lag"`
}

// RecoveryService 从检查点回放到链头
type RecoveryService struct {
	ledger         Ledger
	handler        *EventHandler
	checkpointRepo repository.CheckpointRepository

	chainID     int64
	chainName   string
	deployBlock uint64
	logRange    uint64

	// 同一时间只允许一次回放
	mu sync.Mutex
}

// NewRecoveryService 创建回放服务
func NewRecoveryService(
	ledger Ledger,
	handler *EventHandler,
	checkpointRepo repository.CheckpointRepository,
	cfg *RecoveryConfig,
) *RecoveryService {
	logRange := cfg.LogRange
	if logRange == 0 {
		logRange = defaultLogRange
	}
	return &RecoveryService{
		ledger:         ledger,
		handler:        handler,
		checkpointRepo: checkpointRepo,
		chainID:        cfg.ChainID,
		chainName:      cfg.ChainName,
		deployBlock:    cfg.DeployBlock,
		logRange:       logRange,
	}
}

// Recover 回放 [检查点, 链头] 内全部事件
// 每个区块窗口一个事务, 窗口内事件按 (区块, 日志序号) 合并排序后写入, 检查点随数据一起提交
func (s *RecoveryService) Recover(ctx context.Context) (*RecoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &RecoveryResult{Applied: make(map[model.EventKind]int)}

	from, err := s.startBlock(ctx)
	if err != nil {
		metrics.RecordRecovery(false, time.Since(start).Seconds())
		return nil, err
	}
	head, err := s.ledger.LatestBlock(ctx)
	if err != nil {
		metrics.RecordRecovery(false, time.Since(start).Seconds())
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	result.FromBlock = from
	result.ToBlock = head

	if from > head {
		result.Skipped = true
		result.Duration = time.Since(start)
		logger.Info("recovery skipped, checkpoint ahead of head",
			zap.Uint64("from_block", from),
			zap.Uint64("head", head))
		metrics.RecordRecovery(true, result.Duration.Seconds())
		return result, nil
	}

	logger.Info("recovery starting",
		zap.Int64("chain_id", s.chainID),
		zap.Uint64("from_block", from),
		zap.Uint64("head", head))

	for lo := from; ; {
		hi := head
		if head-lo >= s.logRange {
			hi = lo + s.logRange - 1
		}

		if err := s.recoverWindow(ctx, lo, hi, result); err != nil {
			result.Duration = time.Since(start)
			metrics.RecordRecovery(false, result.Duration.Seconds())
			logger.Error("recovery failed",
				zap.Uint64("window_from", lo),
				zap.Uint64("window_to", hi),
				zap.Error(err))
			return result, err
		}
		result.Windows++
		metrics.RecordCheckpoint(hi, head)

		if hi >= head {
			break
		}
		lo = hi + 1
	}

	result.Duration = time.Since(start)
	metrics.RecordRecovery(true, result.Duration.Seconds())
	logger.Info("recovery completed",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", head),
		zap.Int("windows", result.Windows),
		zap.Int("events", result.Total()),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// recoverWindow 查询并在单事务内写入 [lo, hi] 的事件
func (s *RecoveryService) recoverWindow(ctx context.Context, lo, hi uint64, result *RecoveryResult) (err error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.window",
		tracing.AttrChainID.Int64(s.chainID),
		tracing.AttrBlockFrom.Int64(int64(lo)),
		tracing.AttrBlockTo.Int64(int64(hi)))
	defer func() { tracing.End(span, err) }()

	var events []*contract.Event
	for _, kind := range model.EventKinds {
		evs, err := s.ledger.QueryEvents(ctx, kind, lo, hi)
		if err != nil {
			return fmt.Errorf("query %s events: %w", kind, err)
		}
		events = append(events, evs...)
	}
	contract.SortEvents(events)
	span.SetAttributes(tracing.AttrEventCount.Int(len(events)))

	err = s.checkpointRepo.TransactionWithRetry(ctx, repository.DefaultTxRetries, func(txCtx context.Context) error {
		for _, ev := range events {
			if err := s.handler.Apply(txCtx, ev); err != nil {
				metrics.RecordEventFailed(ev.Kind.String(), sourceRecovery)
				return err
			}
		}
		return s.checkpointRepo.Upsert(txCtx, s.chainID, s.chainName, int64(hi))
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		result.Applied[ev.Kind]++
		metrics.RecordEventApplied(ev.Kind.String(), sourceRecovery)
		s.handler.Notify(ctx, ev)
	}
	if len(events) > 0 {
		logger.Debug("recovery window applied",
			zap.Uint64("from_block", lo),
			zap.Uint64("to_block", hi),
			zap.Int("events", len(events)))
	}
	return nil
}

// startBlock 起始区块: 检查点所在区块 (含), 无检查点时为部署区块
// 检查点区块可能只写入了部分事件, 因此重新回放该区块
func (s *RecoveryService) startBlock(ctx context.Context) (uint64, error) {
	checkpoint, err := s.checkpointRepo.GetByChainID(ctx, s.chainID)
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		return s.deployBlock, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint: %w", err)
	}
	if checkpoint.LastBlockNumber < 0 {
		return s.deployBlock, nil
	}
	return uint64(checkpoint.LastBlockNumber), nil
}

// Status 当前同步进度
func (s *RecoveryService) Status(ctx context.Context) (*IndexerStatus, error) {
	status := &IndexerStatus{
		ChainID:   s.chainID,
		ChainName: s.chainName,
	}

	checkpoint, err := s.checkpointRepo.GetByChainID(ctx, s.chainID)
	switch {
	case err == nil:
		status.HasCheckpoint = true
		status.CheckpointBlock = uint64(checkpoint.LastBlockNumber)
	case errors.Is(err, repository.ErrCheckpointNotFound):
	default:
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	head, err := s.ledger.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}
	status.HeadBlock = head
	if head > status.CheckpointBlock {
		status.Lag = head - status.CheckpointBlock
	}
	metrics.RecordCheckpoint(status.CheckpointBlock, head)
	return status, nil
}
