package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DefaultRPCEndpoint     = "https://rpc.qubic.org"
	DefaultContractAddress = "JAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAVWRF"

	// MaxEpochWindow caps MAX_EPOCHS; each epoch costs two queued contract queries.
	MaxEpochWindow = 1000
)

type Config struct {
	RPC     RPCConfig
	Qearn   QearnConfig
	Fetch   FetchConfig
	Queue   QueueConfig
	Retry   RetryConfig
	Watcher WatcherConfig
	Server  ServerConfig
	Log     LogConfig
}

type RPCConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type QearnConfig struct {
	ContractAddress string
	ContractIndex   uint32
	StartEpoch      uint32
}

type FetchConfig struct {
	MaxEpochs   int
	BatchSize   int
	BatchDelay  time.Duration
	SettleDelay time.Duration
}

type QueueConfig struct {
	BatchSize  int
	BatchDelay time.Duration
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

type WatcherConfig struct {
	Schedule string
}

type ServerConfig struct {
	Port string
}

type LogConfig struct {
	Dir    string
	Level  string
	Format string
}

/*
Load reads the process configuration from the environment.
A .env file in the working directory is applied first when present.
*/
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := &Config{
		RPC: RPCConfig{
			Endpoint: strings.TrimRight(getEnv("RPC_ENDPOINT", DefaultRPCEndpoint), "/"),
			Timeout:  time.Duration(getEnvInt("HTTP_TIMEOUT_SEC", 15)) * time.Second,
		},
		Qearn: QearnConfig{
			ContractAddress: getEnv("QEARN_CONTRACT_ADDRESS", DefaultContractAddress),
			ContractIndex:   uint32(getEnvInt("QEARN_CONTRACT_INDEX", 9)),
			StartEpoch:      uint32(getEnvInt("QEARN_START_EPOCH", 138)),
		},
		Fetch: FetchConfig{
			MaxEpochs:   getEnvInt("MAX_EPOCHS", 53),
			BatchSize:   getEnvInt("EPOCH_BATCH_SIZE", 5),
			BatchDelay:  time.Duration(getEnvInt("EPOCH_BATCH_DELAY_MS", 200)) * time.Millisecond,
			SettleDelay: time.Duration(getEnvInt("SETTLE_DELAY_MS", 2000)) * time.Millisecond,
		},
		Queue: QueueConfig{
			BatchSize:  getEnvInt("QUEUE_BATCH_SIZE", 5),
			BatchDelay: time.Duration(getEnvInt("QUEUE_BATCH_DELAY_MS", 500)) * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("MAX_RETRIES", 3),
			BaseDelay:  time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 1000)) * time.Millisecond,
		},
		Watcher: WatcherConfig{
			Schedule: getEnv("TICK_SCHEDULE", "@every 4s"),
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Log: LogConfig{
			Dir:    getEnv("LOG_DIR", "."),
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RPC.Endpoint == "" {
		return errors.New("RPC_ENDPOINT is required")
	}
	if c.Qearn.ContractAddress == "" {
		return errors.New("QEARN_CONTRACT_ADDRESS is required")
	}
	if c.Fetch.MaxEpochs <= 0 || c.Fetch.MaxEpochs > MaxEpochWindow {
		return errors.Errorf("MAX_EPOCHS must be between 1 and %d, got %d", MaxEpochWindow, c.Fetch.MaxEpochs)
	}
	if c.Fetch.BatchSize <= 0 {
		return errors.Errorf("EPOCH_BATCH_SIZE must be positive, got %d", c.Fetch.BatchSize)
	}
	if c.Queue.BatchSize <= 0 {
		return errors.Errorf("QUEUE_BATCH_SIZE must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.Errorf("MAX_RETRIES must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.RPC.Timeout <= 0 {
		return errors.New("HTTP_TIMEOUT_SEC must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
