package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/balance-game/balance-game-backend/internal/model"
)

// EnvPrefix 环境变量前缀, 例如 BALANCE_BLOCKCHAIN_CHAINID
const EnvPrefix = "BALANCE"

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	GRPCPort    int    `yaml:"grpc_port" json:"grpc_port" split_words:"true"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port" split_words:"true"`
	Env         string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode" split_words:"true"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections" split_words:"true"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" split_words:"true"`
}

// DSN 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置, 地址为空时不使用分布式锁
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size" split_words:"true"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool            `yaml:"enabled" json:"enabled"`
	Brokers  []string        `yaml:"brokers" json:"brokers"`
	ClientID string          `yaml:"client_id" json:"client_id" split_words:"true"`
	SASL     KafkaSASLConfig `yaml:"sasl" json:"sasl"`
}

// KafkaSASLConfig Kafka SASL 认证, mechanism 为空时不认证
type KafkaSASLConfig struct {
	// Mechanism PLAIN, SCRAM-SHA-256 或 SCRAM-SHA-512
	Mechanism string `yaml:"mechanism" json:"mechanism"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"-"`
}

// BlockchainConfig 区块链配置
// envconfig 标签同时接受不带前缀的旧部署变量名
type BlockchainConfig struct {
	WSURL           string        `yaml:"ws_url" json:"ws_url" envconfig:"RPC_URL_WS"`
	RPCURL          string        `yaml:"rpc_url" json:"rpc_url" envconfig:"RPC_URL_HTTP"`
	BackupRPCURLs   []string      `yaml:"backup_rpc_urls" json:"backup_rpc_urls" split_words:"true"`
	ChainID         int64         `yaml:"chain_id" json:"chain_id" split_words:"true"` // 0 表示启动时读取节点链 ID
	ChainName       string        `yaml:"chain_name" json:"chain_name" split_words:"true"`
	ContractAddress string        `yaml:"contract_address" json:"contract_address" envconfig:"CONTRACT_ADDRESS"`
	PrivateKey      string        `yaml:"private_key" json:"-" envconfig:"OWNER_WALLET_PRIVATEKEY"`
	DeployBlock     uint64        `yaml:"deploy_block" json:"deploy_block" envconfig:"CONTRACT_DEPLOY_BLOCK_NUMBER"`
	LogRange        uint64        `yaml:"log_range" json:"log_range" split_words:"true"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" split_words:"true"`
	EventBuffer     int           `yaml:"event_buffer" json:"event_buffer" split_words:"true"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout" json:"receipt_timeout" split_words:"true"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	TallyInterval     time.Duration `yaml:"tally_interval" json:"tally_interval" split_words:"true"`
	FinalizeInterval  time.Duration `yaml:"finalize_interval" json:"finalize_interval" split_words:"true"`
	MonitorInterval   time.Duration `yaml:"monitor_interval" json:"monitor_interval" split_words:"true"`
	UseLock           bool          `yaml:"use_lock" json:"use_lock" split_words:"true"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs" split_words:"true"`
	FinalizeBatch     int           `yaml:"finalize_batch" json:"finalize_batch" split_words:"true"`
	LagThreshold      uint64        `yaml:"lag_threshold" json:"lag_threshold" split_words:"true"`
	RetentionDays     int           `yaml:"retention_days" json:"retention_days" split_words:"true"`
}

// IngestConfig 事件写入配置
type IngestConfig struct {
	// UnknownAddressPolicy 事件类型 -> fatal | skip
	UnknownAddressPolicy map[string]string `yaml:"unknown_address_policy" json:"unknown_address_policy" split_words:"true"`
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// SampleRate 未配置 (0) 时全量采样
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" split_words:"true"`
	Insecure   bool    `yaml:"insecure" json:"insecure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置: YAML 文件 -> 环境变量覆盖 -> 默认值
// configPath 为空时只使用环境变量
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		// 环境变量替换
		content := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "balance-chain"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9101
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.LogRange == 0 {
		cfg.Blockchain.LogRange = 2000
	}
	if cfg.Blockchain.ReconnectDelay == 0 {
		cfg.Blockchain.ReconnectDelay = 3 * time.Second
	}
	if cfg.Blockchain.EventBuffer == 0 {
		cfg.Blockchain.EventBuffer = 1024
	}
	if cfg.Blockchain.ReceiptTimeout == 0 {
		cfg.Blockchain.ReceiptTimeout = 2 * time.Minute
	}

	if cfg.Scheduler.TallyInterval == 0 {
		cfg.Scheduler.TallyInterval = 30 * time.Second
	}
	if cfg.Scheduler.FinalizeInterval == 0 {
		cfg.Scheduler.FinalizeInterval = 60 * time.Second
	}
	if cfg.Scheduler.MonitorInterval == 0 {
		cfg.Scheduler.MonitorInterval = 15 * time.Second
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		// 每个已注册任务各占一个并发名额, 互不阻塞
		cfg.Scheduler.MaxConcurrentJobs = 4
	}
	if cfg.Scheduler.FinalizeBatch == 0 {
		cfg.Scheduler.FinalizeBatch = 100
	}
	if cfg.Scheduler.LagThreshold == 0 {
		cfg.Scheduler.LagThreshold = 100
	}
	if cfg.Scheduler.RetentionDays == 0 {
		cfg.Scheduler.RetentionDays = 7
	}

	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate 校验启动所需配置
func (c *Config) Validate() error {
	var problems []string

	bc := c.Blockchain
	if bc.WSURL == "" {
		problems = append(problems, "blockchain.ws_url is required")
	} else if !strings.HasPrefix(bc.WSURL, "ws://") && !strings.HasPrefix(bc.WSURL, "wss://") {
		problems = append(problems, "blockchain.ws_url must be a ws:// or wss:// url")
	}
	if bc.RPCURL == "" {
		problems = append(problems, "blockchain.rpc_url is required")
	}
	if !common.IsHexAddress(bc.ContractAddress) {
		problems = append(problems, fmt.Sprintf("blockchain.contract_address %q is not a hex address", bc.ContractAddress))
	}
	if bc.ChainID < 0 {
		problems = append(problems, "blockchain.chain_id must not be negative")
	}
	if bc.EventBuffer < 0 {
		problems = append(problems, "blockchain.event_buffer must not be negative")
	}

	for name, policy := range c.Ingest.UnknownAddressPolicy {
		kind, ok := model.ParseEventKind(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("ingest.unknown_address_policy: unknown event kind %q", name))
			continue
		}
		switch policy {
		case "fatal":
		case "skip":
			// 跳过创建者会产生没有游戏的投票
			if kind == model.EventKindGameCreated {
				problems = append(problems, "ingest.unknown_address_policy: game_created must be fatal")
			}
		default:
			problems = append(problems, fmt.Sprintf("ingest.unknown_address_policy: %s has invalid policy %q", name, policy))
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}
	switch c.Kafka.SASL.Mechanism {
	case "":
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		if c.Kafka.SASL.Username == "" {
			problems = append(problems, "kafka.sasl.username is required when kafka.sasl.mechanism is set")
		}
	default:
		problems = append(problems, fmt.Sprintf("kafka.sasl.mechanism %q is not supported", c.Kafka.SASL.Mechanism))
	}
	if c.Scheduler.UseLock && len(c.Redis.Addresses) == 0 {
		problems = append(problems, "redis.addresses is required when scheduler.use_lock is set")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		problems = append(problems, "tracing.sample_rate must be within [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RPCURLs 主节点在前的 HTTP 节点列表
func (c BlockchainConfig) RPCURLs() []string {
	urls := make([]string, 0, 1+len(c.BackupRPCURLs))
	if c.RPCURL != "" {
		urls = append(urls, c.RPCURL)
	}
	return append(urls, c.BackupRPCURLs...)
}

// EverySpec 转换为 cron 的 @every 表达式
func EverySpec(d time.Duration) string {
	return "@every " + d.String()
}

