// Package metrics 提供 balance-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "balance_chain"

// 事件同步指标
var (
	// EventsAppliedTotal 已落库事件总数
	EventsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "已落库的合约事件总数",
		},
		[]string{"kind", "source"}, // source: live, recovery
	)

	// EventsFailedTotal 处理失败事件总数
	EventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "处理失败的合约事件总数",
		},
		[]string{"kind", "source"},
	)

	// UnknownAddressesTotal 未注册地址出现次数
	UnknownAddressesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_addresses_total",
			Help:      "事件中引用未注册用户地址的次数",
		},
		[]string{"kind", "policy"},
	)

	// CheckpointBlockGauge 当前检查点区块
	CheckpointBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "已完整落库的最高区块号",
		},
	)

	// ChainHeadBlockGauge 链上最新区块
	ChainHeadBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "最近一次观测到的链上最新区块号",
		},
	)
)

// 恢复与连接指标
var (
	// RecoveryDuration 恢复耗时
	RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "单次恢复耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	// RecoveryRunsTotal 恢复执行次数
	RecoveryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_runs_total",
			Help:      "恢复执行总数",
		},
		[]string{"status"}, // success, failed
	)

	// ReconnectsTotal 重连次数
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "订阅连接断开后的重连次数",
		},
	)

	// SupervisorStateGauge 连接状态
	SupervisorStateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "订阅连接状态 (0=DISCONNECTED 1=CONNECTING 2=VERIFYING 3=LIVE)",
		},
	)
)

// 对账指标
var (
	// TallyRefreshTotal 统计刷新次数
	TallyRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tally_refresh_total",
			Help:      "单个游戏统计刷新总数",
		},
		[]string{"status"}, // success, failed
	)

	// FinalizeCallsTotal 结算调用次数
	FinalizeCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_calls_total",
			Help:      "checkWinner 调用总数",
		},
		[]string{"status"}, // success, failed
	)
)

// 任务与消息指标
var (
	// JobExecutionsTotal 任务执行总数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "任务执行总数",
		},
		[]string{"job_name", "status"}, // status: success, failed, skipped, timeout
	)

	// JobDuration 任务执行耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "任务执行耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job_name"},
	)

	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"},
	)
)

// Helper functions

// RecordEventApplied 记录事件落库
func RecordEventApplied(kind, source string) {
	EventsAppliedTotal.WithLabelValues(kind, source).Inc()
}

// RecordEventFailed 记录事件处理失败
func RecordEventFailed(kind, source string) {
	EventsFailedTotal.WithLabelValues(kind, source).Inc()
}

// RecordUnknownAddress 记录未注册地址
func RecordUnknownAddress(kind, policy string) {
	UnknownAddressesTotal.WithLabelValues(kind, policy).Inc()
}

// RecordCheckpoint 记录检查点与链头
func RecordCheckpoint(checkpoint, head uint64) {
	CheckpointBlockGauge.Set(float64(checkpoint))
	if head > 0 {
		ChainHeadBlockGauge.Set(float64(head))
	}
}

// RecordRecovery 记录一次恢复
func RecordRecovery(success bool, durationSeconds float64) {
	if success {
		RecoveryRunsTotal.WithLabelValues("success").Inc()
	} else {
		RecoveryRunsTotal.WithLabelValues("failed").Inc()
	}
	RecoveryDuration.Observe(durationSeconds)
}

// RecordReconnect 记录重连
func RecordReconnect() {
	ReconnectsTotal.Inc()
}

// UpdateSupervisorState 更新连接状态
func UpdateSupervisorState(state int) {
	SupervisorStateGauge.Set(float64(state))
}

// RecordTallyRefresh 记录统计刷新
func RecordTallyRefresh(success bool) {
	if success {
		TallyRefreshTotal.WithLabelValues("success").Inc()
	} else {
		TallyRefreshTotal.WithLabelValues("failed").Inc()
	}
}

// RecordFinalizeCall 记录结算调用
func RecordFinalizeCall(success bool) {
	if success {
		FinalizeCallsTotal.WithLabelValues("success").Inc()
	} else {
		FinalizeCallsTotal.WithLabelValues("failed").Inc()
	}
}

// RecordJobExecution 记录任务执行
func RecordJobExecution(jobName, status string, durationSeconds float64) {
	JobExecutionsTotal.WithLabelValues(jobName, status).Inc()
	if durationSeconds > 0 {
		JobDuration.WithLabelValues(jobName).Observe(durationSeconds)
	}
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}
