package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")
		assert.Equal(t, "value is hello", expandEnvVars("value is ${TEST_VAR}"))
	})

	t.Run("variable with default", func(t *testing.T) {
		assert.Equal(t, "value is default_value", expandEnvVars("value is ${NOT_EXISTS:default_value}"))
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")
		assert.Equal(t, "value is actual_value", expandEnvVars("value is ${MY_VAR:default_value}"))
	})

	t.Run("default with colon", func(t *testing.T) {
		assert.Equal(t, "ws://localhost:8545", expandEnvVars("${NOT_EXISTS:ws://localhost:8545}"))
	})

	t.Run("empty default", func(t *testing.T) {
		assert.Equal(t, "value is ", expandEnvVars("value is ${NOT_EXISTS:}"))
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "balance-chain", cfg.Service.Name)
		assert.Equal(t, 50061, cfg.Service.GRPCPort)
		assert.Equal(t, 9101, cfg.Service.MetricsPort)
		assert.Equal(t, "balance-chain", cfg.Kafka.ClientID)
		assert.Equal(t, uint64(2000), cfg.Blockchain.LogRange)
		assert.Equal(t, 3*time.Second, cfg.Blockchain.ReconnectDelay)
		assert.Equal(t, 1024, cfg.Blockchain.EventBuffer)
		assert.Zero(t, cfg.Blockchain.ChainID)
		assert.Equal(t, 30*time.Second, cfg.Scheduler.TallyInterval)
		assert.Equal(t, 60*time.Second, cfg.Scheduler.FinalizeInterval)
		assert.Equal(t, 100, cfg.Scheduler.FinalizeBatch)
		assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentJobs)
		assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
		assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
		assert.False(t, cfg.Tracing.Enabled)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("preserve existing values", func(t *testing.T) {
		cfg := &Config{
			Blockchain: BlockchainConfig{LogRange: 500, ReconnectDelay: time.Second},
			Scheduler:  SchedulerConfig{TallyInterval: 5 * time.Second},
		}
		setDefaults(cfg)

		assert.Equal(t, uint64(500), cfg.Blockchain.LogRange)
		assert.Equal(t, time.Second, cfg.Blockchain.ReconnectDelay)
		assert.Equal(t, 5*time.Second, cfg.Scheduler.TallyInterval)
	})
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")
	path := writeConfig(t, `
service:
  name: balance-chain
postgres:
  host: db
  password: ${TEST_DB_PASSWORD:postgres}
blockchain:
  ws_url: ws://localhost:8545
  rpc_url: http://localhost:8545
  chain_id: 11155111
  contract_address: `+testContract+`
  deploy_block: 6000000
  reconnect_delay: 5s
scheduler:
  finalize_interval: 2m
ingest:
  unknown_address_policy:
    winners_drawn: skip
    vote_cast: fatal
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, int64(11155111), cfg.Blockchain.ChainID)
	assert.Equal(t, uint64(6000000), cfg.Blockchain.DeployBlock)
	assert.Equal(t, 5*time.Second, cfg.Blockchain.ReconnectDelay)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.FinalizeInterval)
	assert.Equal(t, "skip", cfg.Ingest.UnknownAddressPolicy["winners_drawn"])
	assert.NoError(t, cfg.Validate())
}

// TestLoad_LegacyEnvNames 旧部署变量名覆盖文件配置
func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("RPC_URL_WS", "wss://sepolia.example.org/ws")
	t.Setenv("RPC_URL_HTTP", "https://sepolia.example.org")
	t.Setenv("CONTRACT_ADDRESS", testContract)
	t.Setenv("CONTRACT_DEPLOY_BLOCK_NUMBER", "7123456")
	t.Setenv("OWNER_WALLET_PRIVATEKEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	path := writeConfig(t, `
blockchain:
  ws_url: ws://file-value:8545
  deploy_block: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://sepolia.example.org/ws", cfg.Blockchain.WSURL)
	assert.Equal(t, "https://sepolia.example.org", cfg.Blockchain.RPCURL)
	assert.Equal(t, testContract, cfg.Blockchain.ContractAddress)
	assert.Equal(t, uint64(7123456), cfg.Blockchain.DeployBlock)
	assert.NotEmpty(t, cfg.Blockchain.PrivateKey)
}

// TestLoad_PrefixedEnv 带前缀的变量优先于旧变量名
func TestLoad_PrefixedEnv(t *testing.T) {
	t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000001")
	t.Setenv("BALANCE_BLOCKCHAIN_CONTRACT_ADDRESS", testContract)
	t.Setenv("BALANCE_SCHEDULER_USE_LOCK", "true")
	t.Setenv("BALANCE_REDIS_ADDRESSES", "redis-a:6379,redis-b:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, testContract, cfg.Blockchain.ContractAddress)
	assert.True(t, cfg.Scheduler.UseLock)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addresses)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{
		Blockchain: BlockchainConfig{
			WSURL:           "ws://localhost:8545",
			RPCURL:          "http://localhost:8545",
			ContractAddress: testContract,
		},
	}
	setDefaults(cfg)
	return cfg
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"valid", func(cfg *Config) {}, ""},
		{"missing ws url", func(cfg *Config) { cfg.Blockchain.WSURL = "" }, "ws_url is required"},
		{"http ws url", func(cfg *Config) { cfg.Blockchain.WSURL = "http://localhost:8545" }, "ws:// or wss://"},
		{"missing rpc url", func(cfg *Config) { cfg.Blockchain.RPCURL = "" }, "rpc_url is required"},
		{"bad contract", func(cfg *Config) { cfg.Blockchain.ContractAddress = "0x1234" }, "not a hex address"},
		{"game created skip", func(cfg *Config) {
			cfg.Ingest.UnknownAddressPolicy = map[string]string{"game_created": "skip"}
		}, "game_created must be fatal"},
		{"unknown kind", func(cfg *Config) {
			cfg.Ingest.UnknownAddressPolicy = map[string]string{"game_deleted": "skip"}
		}, "unknown event kind"},
		{"invalid policy", func(cfg *Config) {
			cfg.Ingest.UnknownAddressPolicy = map[string]string{"vote_cast": "ignore"}
		}, "invalid policy"},
		{"kafka without brokers", func(cfg *Config) { cfg.Kafka.Enabled = true }, "kafka.brokers"},
		{"scram sasl", func(cfg *Config) {
			cfg.Kafka.SASL = KafkaSASLConfig{Mechanism: "SCRAM-SHA-512", Username: "svc", Password: "secret"}
		}, ""},
		{"sasl without username", func(cfg *Config) { cfg.Kafka.SASL.Mechanism = "PLAIN" }, "kafka.sasl.username"},
		{"unsupported sasl", func(cfg *Config) { cfg.Kafka.SASL.Mechanism = "GSSAPI" }, "kafka.sasl.mechanism"},
		{"lock without redis", func(cfg *Config) { cfg.Scheduler.UseLock = true }, "redis.addresses"},
		{"sample rate above one", func(cfg *Config) { cfg.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRPCURLs(t *testing.T) {
	bc := BlockchainConfig{RPCURL: "http://a", BackupRPCURLs: []string{"http://b", "http://c"}}
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, bc.RPCURLs())
	assert.Equal(t, "@every 30s", EverySpec(30*time.Second))
}
