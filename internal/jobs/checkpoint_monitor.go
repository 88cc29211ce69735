package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/scheduler"
	"github.com/balance-game/balance-game-backend/internal/service"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

// StatusProvider 同步进度
type StatusProvider interface {
	Status(ctx context.Context) (*service.IndexerStatus, error)
}

// ConnStateProvider 连接状态
type ConnStateProvider interface {
	State() model.ConnState
}

// DefaultLagThreshold 检查点落后链头超过该区块数时告警
const DefaultLagThreshold uint64 = 100

// LagAlert 同步滞后告警
type LagAlert struct {
	ChainID         int64
	CheckpointBlock uint64
	HeadBlock       uint64
	Lag             uint64
	State           model.ConnState
	Timestamp       int64
}

// CheckpointMonitorJob 检查点监控任务
// 上报检查点与链头的差距, 滞后过大且未处于实时状态时告警
type CheckpointMonitorJob struct {
	scheduler.BaseJob
	status       StatusProvider
	conn         ConnStateProvider
	lagThreshold uint64
	alertFunc    func(ctx context.Context, alert *LagAlert) error
}

// NewCheckpointMonitorJob 创建检查点监控任务, conn 可为空
func NewCheckpointMonitorJob(status StatusProvider, conn ConnStateProvider, lagThreshold uint64) *CheckpointMonitorJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameCheckpointMonitor]
	if lagThreshold == 0 {
		lagThreshold = DefaultLagThreshold
	}
	return &CheckpointMonitorJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameCheckpointMonitor,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		status:       status,
		conn:         conn,
		lagThreshold: lagThreshold,
	}
}

// SetAlertFunc 设置告警回调
func (j *CheckpointMonitorJob) SetAlertFunc(f func(ctx context.Context, alert *LagAlert) error) {
	j.alertFunc = f
}

// Execute 读取同步进度
func (j *CheckpointMonitorJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	status, err := j.status.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("get indexer status: %w", err)
	}

	state := model.ConnStateDisconnected
	if j.conn != nil {
		state = j.conn.State()
	}

	result := &scheduler.JobResult{
		ProcessedCount: 1,
		Details: map[string]interface{}{
			"checkpoint_block": status.CheckpointBlock,
			"head_block":       status.HeadBlock,
			"lag":              status.Lag,
			"has_checkpoint":   status.HasCheckpoint,
			"state":            state.String(),
		},
	}

	// 实时状态下滞后会随事件到达自然收敛
	if status.Lag <= j.lagThreshold || state == model.ConnStateLive {
		return result, nil
	}

	result.ErrorCount = 1
	logger.Warn("checkpoint lagging behind chain head",
		zap.Int64("chain_id", status.ChainID),
		zap.Uint64("checkpoint", status.CheckpointBlock),
		zap.Uint64("head", status.HeadBlock),
		zap.Uint64("lag", status.Lag),
		zap.String("state", state.String()))

	if j.alertFunc != nil {
		alert := &LagAlert{
			ChainID:         status.ChainID,
			CheckpointBlock: status.CheckpointBlock,
			HeadBlock:       status.HeadBlock,
			Lag:             status.Lag,
			State:           state,
			Timestamp:       time.Now().UnixMilli(),
		}
		if err := j.alertFunc(ctx, alert); err != nil {
			logger.Error("failed to send lag alert", zap.Error(err))
		}
	}
	return result, nil
}
