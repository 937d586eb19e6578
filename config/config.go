package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
	Enabled    bool   `mapstructure:"enabled"`
}

// ChainConfig describes one EVM network the engine sends on. Wallet key
// material is injected per chain, either as raw hex keys or as a mnemonic
// plus derivation indexes.
type ChainConfig struct {
	ChainID       uint64        `mapstructure:"chain_id" json:"chain_id"`
	Name          string        `mapstructure:"name" json:"name"`
	RPCUrl        string        `mapstructure:"rpc_url" json:"rpc_url"`
	BlockTime     time.Duration `mapstructure:"block_time" json:"block_time"`
	PrivateKeys   []string      `mapstructure:"private_keys" json:"private_keys"`
	Mnemonic      string        `mapstructure:"mnemonic" json:"mnemonic"`
	WalletIndexes []uint32      `mapstructure:"wallet_indexes" json:"wallet_indexes"`
	// LegacyGas forces legacy gas pricing even if the chain advertises a
	// base fee.
	LegacyGas bool `mapstructure:"legacy_gas" json:"legacy_gas"`
}

// QueueConfig carries the send/confirm policy knobs.
type QueueConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ConfirmInterval     time.Duration `mapstructure:"confirm_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	WorkerCount         int           `mapstructure:"worker_count"`
	BatchSize           int           `mapstructure:"batch_size"`

	DefaultTimeoutSeconds int64 `mapstructure:"default_timeout_seconds"`
	MaxResends            int   `mapstructure:"max_resends"`
	RebroadcastAttempts   int   `mapstructure:"rebroadcast_attempts"`
	GasBumpPercent        int64 `mapstructure:"gas_bump_percent"`

	RecycledNonceTTL time.Duration `mapstructure:"recycled_nonce_ttl"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`
	ReceiptScanDepth uint64        `mapstructure:"receipt_scan_depth"`
	// ClaimLease is how long a send worker owns a queued record before
	// another worker may reclaim it.
	ClaimLease time.Duration `mapstructure:"claim_lease"`
}

type Config struct {
	ConfigPath string
	Database   DatabaseConfig
	Redis      RedisConfig
	RabbitMQ   RabbitMQConfig
	Queue      QueueConfig
	Chains     []ChainConfig
}

var GlobalConfig *Config

// LoadEnv reads the .env file when present and makes all environment
// variables visible to viper. Missing .env is not an error in production
// deployments where the environment is injected directly.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		// .env is optional
		_ = err
	}
	viper.AutomaticEnv()
}

// Load builds the global configuration from the environment and the chains
// config file under configPath.
func Load(configPath string) error {
	cfg := Config{ConfigPath: configPath}

	cfg.Database.URL = viper.GetString("DATABASE_URL")
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.Redis = RedisConfig{
		Addr:     viper.GetString("REDIS_ADDR"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is not set")
	}

	cfg.RabbitMQ = RabbitMQConfig{
		Host:       viper.GetString("RABBITMQ_HOST"),
		Port:       viper.GetInt("RABBITMQ_PORT"),
		User:       viper.GetString("RABBITMQ_USER"),
		Password:   viper.GetString("RABBITMQ_PASSWORD"),
		Queue:      viper.GetString("RABBITMQ_QUEUE"),
		RoutingKey: viper.GetString("RABBITMQ_ROUTING_KEY"),
		Enabled:    viper.GetBool("RABBITMQ_ENABLED"),
	}

	cfg.Queue = defaultQueueConfig()
	queueCfgPath := fmt.Sprintf("%s/queue.json", configPath)
	if _, err := os.Stat(queueCfgPath); err == nil {
		v := viper.New()
		v.SetConfigFile(queueCfgPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading queue config file: %w", err)
		}
		if err := v.Unmarshal(&cfg.Queue); err != nil {
			return fmt.Errorf("error unmarshaling queue config: %w", err)
		}
	}

	chainsCfgPath := fmt.Sprintf("%s/chains.json", configPath)
	chains, err := ReadJsonArrayConfig[ChainConfig](chainsCfgPath)
	if err != nil {
		return fmt.Errorf("failed to read chain configs: %w", err)
	}
	for i := range chains {
		if chains[i].BlockTime == 0 {
			chains[i].BlockTime = 12 * time.Second
		} else {
			chains[i].BlockTime = chains[i].BlockTime * time.Millisecond
		}
	}
	cfg.Chains = chains

	GlobalConfig = &cfg
	return nil
}

func defaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:          2 * time.Second,
		ConfirmInterval:       5 * time.Second,
		MaintenanceInterval:   60 * time.Second,
		WorkerCount:           4,
		BatchSize:             50,
		DefaultTimeoutSeconds: 120,
		MaxResends:            3,
		RebroadcastAttempts:   3,
		GasBumpPercent:        10,
		RecycledNonceTTL:      5 * time.Minute,
		IdempotencyTTL:        24 * time.Hour,
		ReceiptScanDepth:      64,
		ClaimLease:            time.Minute,
	}
}

// ReadJsonArrayConfig reads a JSON file containing an array of T.
func ReadJsonArrayConfig[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("error unmarshaling config file %s: %w", path, err)
	}
	return items, nil
}

// ChainByID returns the configuration for the given chain id.
func (c *Config) ChainByID(chainID uint64) (*ChainConfig, bool) {
	for i := range c.Chains {
		if c.Chains[i].ChainID == chainID {
			return &c.Chains[i], true
		}
	}
	return nil, false
}
