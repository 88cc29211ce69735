package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/balance-game/balance-game-backend/internal/metrics"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/pkg/logger"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyExists  = errors.New("job already registered")
	ErrJobLocked         = errors.New("job is running on another instance")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
	ErrMaxConcurrentJobs = errors.New("max concurrent jobs reached")
)

// ExecutionRecorder 任务执行记录存储
type ExecutionRecorder interface {
	Create(ctx context.Context, exec *model.JobExecution) error
	Update(ctx context.Context, exec *model.JobExecution) error
	GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error)
}

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	lockManager   *LockManager
	execRepo      ExecutionRecorder
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	// RedisClient 为空时不使用分布式锁
	RedisClient redis.UniversalClient
}

// NewScheduler 创建调度器, execRepo 可为空
func NewScheduler(cfg *SchedulerConfig, execRepo ExecutionRecorder) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = len(DefaultJobConfigs)
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
			cron.WithLogger(cronLogger{}),
		),
		lockManager:   NewLockManager(cfg.RedisClient),
		execRepo:      execRepo,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		if _, err := s.executeJob(job); err != nil {
			logger.Debug("scheduled job not completed", zap.String("job", job.Name()), zap.Error(err))
		}
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 异步手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	job, err := s.job(jobName)
	if err != nil {
		return err
	}

	go func() {
		if _, err := s.executeJob(job); err != nil {
			logger.Warn("triggered job not completed", zap.String("job", jobName), zap.Error(err))
		}
	}()
	return nil
}

// RunJob 同步执行一次任务 (用于命令行)
func (s *Scheduler) RunJob(jobName string) (*JobResult, error) {
	job, err := s.job(jobName)
	if err != nil {
		return nil, err
	}
	return s.executeJob(job)
}

func (s *Scheduler) job(jobName string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return job, nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) (*JobResult, error) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), ErrMaxConcurrentJobs.Error())
		return nil, ErrMaxConcurrentJobs
	}

	select {
	case <-s.ctx.Done():
		return nil, ErrSchedulerStopped
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() && s.lockManager.Enabled() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire lock", zap.String("job", job.Name()), zap.Error(err))
			s.recordSkipped(job.Name(), "failed to acquire lock: "+err.Error())
			metrics.RecordJobExecution(job.Name(), string(model.JobStatusFailed), 0)
			return nil, err
		}
		if !acquired {
			logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), ErrJobLocked.Error())
			metrics.RecordJobExecution(job.Name(), string(model.JobStatusSkipped), 0)
			return nil, ErrJobLocked
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release lock", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	startTime := time.Now()
	exec := &model.JobExecution{
		JobName:   job.Name(),
		Status:    model.JobStatusRunning,
		StartedAt: startTime.UnixMilli(),
	}
	if s.execRepo != nil {
		if err := s.execRepo.Create(ctx, exec); err != nil {
			logger.Error("failed to record job start", zap.String("job", job.Name()), zap.Error(err))
		}
	}

	logger.Debug("starting job", zap.String("job", job.Name()))
	result, err := job.Execute(ctx)

	finishTime := time.Now()
	elapsed := finishTime.Sub(startTime)
	duration := int(elapsed.Milliseconds())
	finishedAt := finishTime.UnixMilli()
	exec.FinishedAt = &finishedAt
	exec.DurationMs = &duration

	if err != nil {
		exec.Status = model.JobStatusFailed
		errMsg := err.Error()
		exec.ErrorMessage = &errMsg
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(err))
	} else {
		exec.Status = model.JobStatusSuccess
		exec.Result = result.ToJSONResult()
		logger.Debug("job completed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed))
	}
	metrics.RecordJobExecution(job.Name(), string(exec.Status), elapsed.Seconds())

	if s.execRepo != nil && exec.ID != 0 {
		if uerr := s.execRepo.Update(context.Background(), exec); uerr != nil {
			logger.Error("failed to update job execution", zap.String("job", job.Name()), zap.Error(uerr))
		}
	}
	return result, err
}

// recordSkipped 记录未执行的任务
func (s *Scheduler) recordSkipped(jobName, message string) {
	if s.execRepo == nil {
		return
	}
	now := time.Now().UnixMilli()
	zero := 0
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       model.JobStatusSkipped,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: &message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job execution", zap.String("job", jobName), zap.Error(err))
	}
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := &JobStatus{
		Name:    jobName,
		Enabled: config.Enabled,
		Cron:    config.Cron,
		Timeout: job.Timeout(),
	}
	status.IsLocked, _ = s.lockManager.IsLocked(ctx, jobName)

	if s.execRepo == nil {
		return status, nil
	}
	lastExec, err := s.execRepo.GetLatestByJobName(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if lastExec != nil {
		status.LastStatus = string(lastExec.Status)
		status.LastStartedAt = lastExec.StartedAt
		if lastExec.FinishedAt != nil {
			status.LastFinishedAt = *lastExec.FinishedAt
		}
		if lastExec.DurationMs != nil {
			status.LastDurationMs = *lastExec.DurationMs
		}
		if lastExec.ErrorMessage != nil {
			status.LastError = *lastExec.ErrorMessage
		}
	}
	return status, nil
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string
	Enabled        bool
	Cron           string
	Timeout        time.Duration
	IsLocked       bool
	LastStatus     string
	LastStartedAt  int64
	LastFinishedAt int64
	LastDurationMs int
	LastError      string
}

// cronLogger 将 cron 内部日志接入全局 logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
