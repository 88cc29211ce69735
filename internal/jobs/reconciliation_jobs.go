// Package jobs 定时任务实现
// 票数刷新和到期游戏结算由调度器周期触发
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/scheduler"
	"github.com/balance-game/balance-game-backend/internal/service"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// TallyRefresher 进行中游戏的票数刷新
type TallyRefresher interface {
	RefreshTallies(ctx context.Context) (*service.RefreshResult, error)
}

// GameFinalizer 到期游戏的结算
type GameFinalizer interface {
	FinalizeDueGames(ctx context.Context) (*service.FinalizeResult, error)
}

// TallyRefreshJob 票数刷新任务
type TallyRefreshJob struct {
	scheduler.BaseJob
	refresher TallyRefresher
}

// NewTallyRefreshJob 创建票数刷新任务
func NewTallyRefreshJob(refresher TallyRefresher) *TallyRefreshJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameTallyRefresh]
	return &TallyRefreshJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameTallyRefresh,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		refresher: refresher,
	}
}

// Execute 刷新所有进行中游戏的票数
func (j *TallyRefreshJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	startTime := time.Now()

	refreshed, err := j.refresher.RefreshTallies(ctx)
	if err != nil {
		return nil, err
	}

	result := &scheduler.JobResult{
		ProcessedCount: refreshed.Total,
		AffectedCount:  refreshed.Refreshed,
		ErrorCount:     refreshed.Failed,
		Details: map[string]interface{}{
			"duration_ms": time.Since(startTime).Milliseconds(),
		},
	}

	if refreshed.Total > 0 {
		logger.Debug("tally refresh completed",
			zap.Int("games", refreshed.Total),
			zap.Int("refreshed", refreshed.Refreshed),
			zap.Int("failed", refreshed.Failed))
	}
	return result, nil
}

// FinalizeSweepJob 结算扫描任务
type FinalizeSweepJob struct {
	scheduler.BaseJob
	finalizer GameFinalizer
}

// NewFinalizeSweepJob 创建结算扫描任务
func NewFinalizeSweepJob(finalizer GameFinalizer) *FinalizeSweepJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameFinalizeSweep]
	return &FinalizeSweepJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameFinalizeSweep,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		finalizer: finalizer,
	}
}

// Execute 对截止时间已过且未检查的游戏调用 checkWinner
// 链上调用失败记录在游戏上, 不作为任务失败
func (j *FinalizeSweepJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	startTime := time.Now()

	finalized, err := j.finalizer.FinalizeDueGames(ctx)
	if err != nil {
		return nil, err
	}

	duration := time.Since(startTime)
	result := &scheduler.JobResult{
		ProcessedCount: finalized.Attempted,
		AffectedCount:  finalized.Succeeded,
		ErrorCount:     finalized.Failed,
		Details: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
	}

	if finalized.Attempted > 0 {
		logger.Info("finalize sweep completed",
			zap.Int("attempted", finalized.Attempted),
			zap.Int("succeeded", finalized.Succeeded),
			zap.Int("failed", finalized.Failed),
			zap.Duration("duration", duration))
	}
	return result, nil
}
