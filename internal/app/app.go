// Package app 提供 balance-chain 服务的应用生命周期管理
//
// ========================================
// balance-chain 服务说明
// ========================================
//
// ## 服务职责
// 1. 事件同步: 订阅 BalanceGame 合约事件并写入 PostgreSQL, 断线后按检查点回放补齐
// 2. 票数刷新: 定时读取进行中游戏的链上票数
// 3. 到期结算: 定时对截止的游戏调用 checkWinner
//
// ## Kafka (可选, 参见 internal/kafka/producer.go)
// - game-events: 已落库的合约事件
//
// ## gRPC
// - 仅注册健康检查, 服务名状态随订阅连接变化 (Live 时 SERVING)
//
// ## 数据库
// - 迁移文件: migrations/
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/balance-game/balance-game-backend/internal/blockchain"
	"github.com/balance-game/balance-game-backend/internal/config"
	"github.com/balance-game/balance-game-backend/internal/contract"
	"github.com/balance-game/balance-game-backend/internal/jobs"
	"github.com/balance-game/balance-game-backend/internal/kafka"
	"github.com/balance-game/balance-game-backend/internal/model"
	"github.com/balance-game/balance-game-backend/internal/repository"
	"github.com/balance-game/balance-game-backend/internal/scheduler"
	"github.com/balance-game/balance-game-backend/internal/service"
	"github.com/balance-game/balance-game-backend/migrations"
	"github.com/balance-game/balance-game-backend/pkg/logger"
	"github.com/balance-game/balance-game-backend/pkg/migrate"
	"github.com/balance-game/balance-game-backend/pkg/tracing"
)

// ErrNoSigner 未配置签名私钥, 无法发送 checkWinner
var ErrNoSigner = errors.New("finalize sweep requires blockchain.private_key")

// App 应用
type App struct {
	cfg *config.Config

	// 链信息, chain_id 未配置时读取节点
	chainID   int64
	chainName string

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	chainClient *blockchain.Client
	binding     *contract.BalanceGame
	ledger      *blockchain.Ledger

	// 仓储
	checkpointRepo repository.CheckpointRepository
	gameRepo       repository.GameRepository
	voteRepo       repository.VoteRepository
	winnerRepo     repository.WinnerRepository
	userRepo       repository.UserRepository
	execRepo       *repository.ExecutionRepository

	// 服务
	eventHandler      *service.EventHandler
	recoverySvc       *service.RecoveryService
	reconciliationSvc *service.ReconciliationService
	gameQuerySvc      *service.GameQueryService
	supervisor        *service.Supervisor

	// Kafka
	kafkaProducer  *kafka.Producer
	eventPublisher *kafka.KafkaEventPublisher

	// 定时任务
	scheduler *scheduler.Scheduler

	// gRPC / HTTP
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server

	tracingShutdown tracing.ShutdownFunc
}

// NewApp 创建应用
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	shutdown, err := tracing.Init(&tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Service.Name,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Environment: cfg.Service.Env,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	app.tracingShutdown = shutdown

	if err := app.initInfrastructure(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initGRPC()
	return app, nil
}

// OpenDatabase 连接 PostgreSQL
func OpenDatabase(cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	return db, nil
}

func newMigrator(db *gorm.DB, serviceName string) (*migrate.Migrator, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	return migrate.NewMigrator(sqlDB, serviceName, logger.L()), nil
}

// RunMigrations 执行嵌入的 SQL 迁移
func RunMigrations(db *gorm.DB, serviceName string) error {
	m, err := newMigrator(db, serviceName)
	if err != nil {
		return err
	}
	return m.Up(migrations.FS, ".")
}

// RollbackMigration 回滚最近一个迁移版本
func RollbackMigration(db *gorm.DB, serviceName string) error {
	m, err := newMigrator(db, serviceName)
	if err != nil {
		return err
	}
	return m.Rollback(migrations.FS, ".")
}

// MigrationVersion 当前迁移版本
func MigrationVersion(db *gorm.DB, serviceName string) (uint, bool, error) {
	m, err := newMigrator(db, serviceName)
	if err != nil {
		return 0, false, err
	}
	return m.Version(migrations.FS, ".")
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure(ctx context.Context) error {
	db, err := OpenDatabase(a.cfg.Postgres)
	if err != nil {
		return err
	}
	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if err := RunMigrations(a.db, a.cfg.Service.Name); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Redis 仅用于任务锁
	if !a.cfg.Scheduler.UseLock {
		return nil
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))
	return nil
}

// initBlockchain 初始化区块链客户端
func (a *App) initBlockchain(ctx context.Context) error {
	bc := a.cfg.Blockchain

	chainID := bc.ChainID
	if chainID == 0 {
		resolved, err := resolveChainID(ctx, bc.RPCURLs())
		if err != nil {
			return err
		}
		chainID = resolved
	}
	a.chainID = chainID
	a.chainName = bc.ChainName
	if a.chainName == "" {
		a.chainName = blockchain.ChainName(chainID)
	}

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         chainID,
		PrivateKey:      bc.PrivateKey,
		RPCURLs:         bc.RPCURLs(),
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	binding, err := contract.NewBalanceGame(common.HexToAddress(bc.ContractAddress))
	if err != nil {
		return fmt.Errorf("failed to load contract abi: %w", err)
	}
	a.binding = binding

	a.ledger = blockchain.NewLedger(client, binding, &blockchain.LedgerConfig{
		ChainName:      a.chainName,
		ReceiptTimeout: bc.ReceiptTimeout,
	})

	fields := []zap.Field{
		zap.Int64("chain_id", chainID),
		zap.String("chain_name", a.chainName),
		zap.String("contract", bc.ContractAddress),
	}
	if client.HasSigner() {
		fields = append(fields, zap.String("authority", client.Address().Hex()))
	}
	logger.Info("blockchain client initialized", fields...)
	return nil
}

// resolveChainID 读取节点链 ID
func resolveChainID(ctx context.Context, rpcURLs []string) (int64, error) {
	idClient, err := blockchain.NewClient(&blockchain.ClientConfig{RPCURLs: rpcURLs})
	if err != nil {
		return 0, err
	}
	defer idClient.Close()

	id, err := idClient.NetworkChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve chain id: %w", err)
	}
	if !id.IsInt64() {
		return 0, fmt.Errorf("%w: chain id %s out of range", service.ErrConfiguration, id)
	}
	return id.Int64(), nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.gameRepo = repository.NewGameRepository(a.db)
	a.voteRepo = repository.NewVoteRepository(a.db)
	a.winnerRepo = repository.NewWinnerRepository(a.db)
	a.userRepo = repository.NewUserRepository(a.db)
	a.execRepo = repository.NewExecutionRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	bc := a.cfg.Blockchain

	a.eventHandler = service.NewEventHandler(
		a.checkpointRepo,
		a.gameRepo,
		a.voteRepo,
		a.winnerRepo,
		a.userRepo,
		&service.EventHandlerConfig{
			ChainID:   a.chainID,
			ChainName: a.chainName,
			Policies:  unknownAddressPolicies(a.cfg.Ingest.UnknownAddressPolicy),
		},
	)

	a.recoverySvc = service.NewRecoveryService(a.ledger, a.eventHandler, a.checkpointRepo, &service.RecoveryConfig{
		ChainID:     a.chainID,
		ChainName:   a.chainName,
		DeployBlock: bc.DeployBlock,
		LogRange:    bc.LogRange,
	})

	a.reconciliationSvc = service.NewReconciliationService(a.ledger, a.gameRepo, &service.ReconciliationConfig{
		FinalizeBatch:  a.cfg.Scheduler.FinalizeBatch,
		ReceiptTimeout: a.cfg.Blockchain.ReceiptTimeout,
	})
	a.gameQuerySvc = service.NewGameQueryService(a.gameRepo, a.voteRepo, a.winnerRepo, a.userRepo)

	a.supervisor = service.NewSupervisor(
		service.WSSessionDialer(blockchain.NewWSDialer(bc.WSURL, a.binding)),
		a.ledger,
		a.recoverySvc,
		service.NewListener(a.eventHandler),
		&service.SupervisorConfig{
			ContractAddress: a.binding.Address(),
			ChainID:         a.chainID,
			ReconnectDelay:  bc.ReconnectDelay,
			EventBuffer:     bc.EventBuffer,
		},
	)

	logger.Info("services initialized")
}

// unknownAddressPolicies 配置中的策略名转换为事件类型
func unknownAddressPolicies(raw map[string]string) map[model.EventKind]service.UnknownAddressPolicy {
	policies := make(map[model.EventKind]service.UnknownAddressPolicy, len(raw))
	for name, policy := range raw {
		kind, ok := model.ParseEventKind(name)
		if !ok {
			continue
		}
		policies[kind] = service.UnknownAddressPolicy(policy)
	}
	return policies
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled, game event notifications are off")
		return nil
	}

	sasl := a.cfg.Kafka.SASL
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		SASL: &kafka.SASLConfig{
			Mechanism: sasl.Mechanism,
			Username:  sasl.Username,
			Password:  sasl.Password,
		},
	})
	if err != nil {
		return err
	}
	a.kafkaProducer = producer
	a.eventPublisher = kafka.NewKafkaEventPublisher(producer, a.chainID)

	// 事件提交后回调
	a.eventHandler.SetOnApplied(a.eventPublisher.PublishGameEvent)

	logger.Info("kafka initialized",
		zap.Strings("brokers", a.cfg.Kafka.Brokers),
		zap.String("sasl_mechanism", sasl.Mechanism))
	return nil
}

// initScheduler 初始化定时任务
func (a *App) initScheduler() error {
	sc := a.cfg.Scheduler
	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: sc.MaxConcurrentJobs,
		RedisClient:       a.redis,
	}, a.execRepo)

	if err := a.scheduler.RegisterJob(
		jobs.NewTallyRefreshJob(a.reconciliationSvc),
		scheduler.JobConfig{Cron: config.EverySpec(sc.TallyInterval), Enabled: true},
	); err != nil {
		return err
	}

	// 没有签名私钥时 checkWinner 必然失败, 不能把游戏标记为已检查
	if err := a.scheduler.RegisterJob(
		jobs.NewFinalizeSweepJob(a.reconciliationSvc),
		scheduler.JobConfig{Cron: config.EverySpec(sc.FinalizeInterval), Enabled: a.chainClient.HasSigner()},
	); err != nil {
		return err
	}
	if !a.chainClient.HasSigner() {
		logger.Warn("no private key configured, finalize sweep disabled")
	}

	monitor := jobs.NewCheckpointMonitorJob(a.recoverySvc, a.supervisor, sc.LagThreshold)
	if err := a.scheduler.RegisterJob(
		monitor,
		scheduler.JobConfig{Cron: config.EverySpec(sc.MonitorInterval), Enabled: true},
	); err != nil {
		return err
	}

	cleanup := jobs.NewExecutionCleanupJob(a.execRepo, &jobs.ExecutionCleanupConfig{RetentionDays: sc.RetentionDays})
	return a.scheduler.RegisterJob(
		cleanup,
		scheduler.JobConfig{Cron: scheduler.DefaultJobConfigs[scheduler.JobNameExecutionCleanup].Cron, Enabled: true},
	)
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	a.supervisor.OnStateChange(a.onStateChange)
}

// onStateChange 订阅连接状态映射到健康状态
func (a *App) onStateChange(state model.ConnState) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if state == model.ConnStateLive {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, status)
}

// Run 运行直到 ctx 取消, 配置错误时返回错误
func (a *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	a.startHTTPServer()
	a.scheduler.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.supervisor.Run(runCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		cancel()
		runErr = <-done
	case runErr = <-done:
		if runErr != nil {
			logger.Error("supervisor stopped", zap.Error(runErr))
		}
	}

	a.shutdown()
	return runErr
}

// startHTTPServer 启动 metrics 端点
func (a *App) startHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.Int("port", a.cfg.Service.MetricsPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// RecoverOnce 执行一次回放
func (a *App) RecoverOnce(ctx context.Context) (*service.RecoveryResult, error) {
	return a.recoverySvc.Recover(ctx)
}

// SweepOnce 同步执行一次到期结算
func (a *App) SweepOnce() (*scheduler.JobResult, error) {
	if !a.chainClient.HasSigner() {
		return nil, ErrNoSigner
	}
	return a.scheduler.RunJob(scheduler.JobNameFinalizeSweep)
}

// Status 同步进度
func (a *App) Status(ctx context.Context) (*service.IndexerStatus, error) {
	return a.recoverySvc.Status(ctx)
}

// GameSummary 本地落库的游戏状态
func (a *App) GameSummary(ctx context.Context, gameID int64, voter common.Address) (*service.GameSummary, error) {
	return a.gameQuerySvc.Summary(ctx, gameID, voter)
}

// HealthyRPCEndpoints 当前可用的 RPC 端点
func (a *App) HealthyRPCEndpoints() []string {
	endpoints := a.chainClient.GetHealthyEndpoints()
	urls := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		urls = append(urls, ep.URL)
	}
	return urls
}

// shutdown 停止服务
func (a *App) shutdown() {
	logger.Info("shutting down...")

	a.healthServer.Shutdown()
	a.scheduler.Stop()

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	a.Close()
	logger.Info("shutdown complete")
}

// Close 释放连接
func (a *App) Close() {
	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("failed to close kafka producer", zap.Error(err))
		}
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	if a.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracingShutdown(ctx); err != nil {
			logger.Error("failed to flush traces", zap.Error(err))
		}
	}
}
