package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/scheduler"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// ExecutionStore 任务执行记录的维护操作
type ExecutionStore interface {
	CleanupOldRecords(ctx context.Context, beforeTime int64) (int64, error)
	MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error)
}

// ExecutionCleanupConfig 执行记录清理配置
type ExecutionCleanupConfig struct {
	// RetentionDays 记录保留天数
	RetentionDays int
	// StaleThreshold running 状态超过该时长视为进程已退出
	StaleThreshold time.Duration
}

// DefaultExecutionCleanupConfig 默认配置
var DefaultExecutionCleanupConfig = ExecutionCleanupConfig{
	RetentionDays:  7,
	StaleThreshold: time.Hour,
}

// ExecutionCleanupJob 执行记录清理任务
type ExecutionCleanupJob struct {
	scheduler.BaseJob
	store  ExecutionStore
	config ExecutionCleanupConfig
	now    func() time.Time
}

// NewExecutionCleanupJob 创建执行记录清理任务
func NewExecutionCleanupJob(store ExecutionStore, config *ExecutionCleanupConfig) *ExecutionCleanupJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameExecutionCleanup]

	jobConfig := DefaultExecutionCleanupConfig
	if config != nil {
		if config.RetentionDays > 0 {
			jobConfig.RetentionDays = config.RetentionDays
		}
		if config.StaleThreshold > 0 {
			jobConfig.StaleThreshold = config.StaleThreshold
		}
	}

	return &ExecutionCleanupJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameExecutionCleanup,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		store:  store,
		config: jobConfig,
		now:    time.Now,
	}
}

// Execute 标记遗留的 running 记录并删除过期记录
func (j *ExecutionCleanupJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	stale, err := j.store.MarkStaleRunningAsFailed(ctx, j.config.StaleThreshold)
	if err != nil {
		logger.Error("failed to mark stale executions", zap.Error(err))
		result.ErrorCount++
	}
	result.Details["stale_marked"] = stale

	cutoff := j.now().AddDate(0, 0, -j.config.RetentionDays).UnixMilli()
	deleted, err := j.store.CleanupOldRecords(ctx, cutoff)
	if err != nil {
		// 删除失败需要下次重试, 作为任务失败上报
		return nil, err
	}
	result.Details["deleted"] = deleted
	result.ProcessedCount = int(stale + deleted)
	result.AffectedCount = int(deleted)

	logger.Info("execution cleanup completed",
		zap.Int64("stale_marked", stale),
		zap.Int64("deleted", deleted),
		zap.Int("retention_days", j.config.RetentionDays))
	return result, nil
}
