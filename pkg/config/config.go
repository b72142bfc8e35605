// Package config provides environment-aware configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the operator control-surface HTTP API.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence. An empty DSN selects the in-memory
// store (used for local runs and tests).
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifeSecs int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// WorkerConfig controls the retry/DLQ worker (spec §4.6, §6).
type WorkerConfig struct {
	IntervalMs            int `json:"interval_ms" yaml:"interval_ms" env:"WORKER_INTERVAL_MS"`
	BatchSize             int `json:"batch_size" yaml:"batch_size" env:"WORKER_BATCH_SIZE"`
	MaxConcurrentBatches  int `json:"max_concurrent_batches" yaml:"max_concurrent_batches" env:"WORKER_MAX_CONCURRENT_BATCHES"`
	ProcessingTimeoutMs   int `json:"processing_timeout_ms" yaml:"processing_timeout_ms" env:"WORKER_PROCESSING_TIMEOUT_MS"`
	StuckRetryingAfterMin int `json:"stuck_retrying_after_minutes" yaml:"stuck_retrying_after_minutes" env:"WORKER_STUCK_RETRYING_AFTER_MINUTES"`
}

// SchedulerConfig controls the scheduled-delivery engine (spec §4.7).
type SchedulerConfig struct {
	IntervalMs         int `json:"interval_ms" yaml:"interval_ms" env:"SCHEDULER_INTERVAL_MS"`
	BatchSize          int `json:"batch_size" yaml:"batch_size" env:"SCHEDULER_BATCH_SIZE"`
	GraceHours         int `json:"grace_hours" yaml:"grace_hours" env:"SCHEDULER_GRACE_HOURS"`
	StuckProcessingMin int `json:"stuck_processing_minutes" yaml:"stuck_processing_minutes" env:"SCHEDULER_STUCK_PROCESSING_MINUTES"`
}

// SecurityConfig controls outbound-request security policy.
type SecurityConfig struct {
	EnforceHTTPS         bool   `json:"enforce_https" yaml:"enforce_https" env:"SECURITY_ENFORCE_HTTPS"`
	BlockPrivateNetworks bool   `json:"block_private_networks" yaml:"block_private_networks" env:"SECURITY_BLOCK_PRIVATE_NETWORKS"`
	SecretEncryptionKey  string `json:"secret_encryption_key" yaml:"secret_encryption_key" env:"SECURITY_SECRET_ENCRYPTION_KEY"`
}

// HTTPClientConfig controls the outbound delivery HTTP client.
type HTTPClientConfig struct {
	TimeoutMs    int `json:"timeout_ms" yaml:"timeout_ms" env:"HTTPCLIENT_TIMEOUT_MS"`
	MaxRedirects int `json:"max_redirects" yaml:"max_redirects" env:"HTTPCLIENT_MAX_REDIRECTS"`
}

// MemoryConfig controls the resource monitor (gopsutil-backed).
type MemoryConfig struct {
	HeapThresholdMB  int  `json:"heap_threshold_mb" yaml:"heap_threshold_mb" env:"MEMORY_HEAP_THRESHOLD_MB"`
	GracefulShutdown bool `json:"graceful_shutdown" yaml:"graceful_shutdown" env:"MEMORY_GRACEFUL_SHUTDOWN"`
}

// AuthConfig controls operator control-surface authentication.
type AuthConfig struct {
	Tokens    []string `json:"tokens" yaml:"tokens"`
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
}

// SandboxConfig controls the goja script sandbox (spec §4.4, §4.7).
type SandboxConfig struct {
	CPUTimeMs    int `json:"cpu_time_ms" yaml:"cpu_time_ms" env:"SANDBOX_CPU_TIME_MS"`
	WallClockMs  int `json:"wall_clock_ms" yaml:"wall_clock_ms" env:"SANDBOX_WALL_CLOCK_MS"`
	MaxInputKB   int `json:"max_input_kb" yaml:"max_input_kb" env:"SANDBOX_MAX_INPUT_KB"`
	MaxOutputKB  int `json:"max_output_kb" yaml:"max_output_kb" env:"SANDBOX_MAX_OUTPUT_KB"`
}

// RedisConfig controls cache-invalidation pub/sub.
type RedisConfig struct {
	URL     string `json:"url" yaml:"url" env:"REDIS_URL"`
	Channel string `json:"channel" yaml:"channel" env:"REDIS_INVALIDATION_CHANNEL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Database  DatabaseConfig   `json:"database" yaml:"database"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Worker    WorkerConfig     `json:"worker" yaml:"worker"`
	Scheduler SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Security  SecurityConfig   `json:"security" yaml:"security"`
	HTTP      HTTPClientConfig `json:"http_client" yaml:"http_client"`
	Memory    MemoryConfig     `json:"memory" yaml:"memory"`
	Auth      AuthConfig       `json:"auth" yaml:"auth"`
	Sandbox   SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	Redis     RedisConfig      `json:"redis" yaml:"redis"`
}

// New returns a configuration populated with the defaults named in spec §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifeSecs: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "integration-gateway",
		},
		Worker: WorkerConfig{
			IntervalMs:            1000,
			BatchSize:             50,
			MaxConcurrentBatches:  5,
			ProcessingTimeoutMs:   300000,
			StuckRetryingAfterMin: 30,
		},
		Scheduler: SchedulerConfig{
			IntervalMs:         60000,
			BatchSize:          100,
			GraceHours:         24,
			StuckProcessingMin: 10,
		},
		Security: SecurityConfig{
			EnforceHTTPS:         true,
			BlockPrivateNetworks: true,
		},
		HTTP: HTTPClientConfig{
			TimeoutMs:    30000,
			MaxRedirects: 5,
		},
		Memory: MemoryConfig{
			HeapThresholdMB:  1536,
			GracefulShutdown: true,
		},
		Sandbox: SandboxConfig{
			CPUTimeMs:   5000,
			WallClockMs: 5000,
			MaxInputKB:  100,
			MaxOutputKB: 1024,
		},
		Redis: RedisConfig{
			Channel: "gateway:invalidate",
		},
	}
}

// Load loads configuration from an optional file and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field was overridden by the
		// environment; treat that as "no overrides" so local runs and tests
		// work without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, defaults otherwise applied.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/gateway: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// Validate rejects configurations that would be unsafe to run with.
func (c *Config) Validate() error {
	if c.HTTP.TimeoutMs < 500 || c.HTTP.TimeoutMs > 60000 {
		return fmt.Errorf("http_client.timeout_ms must be between 500 and 60000, got %d", c.HTTP.TimeoutMs)
	}
	if c.Worker.IntervalMs <= 0 {
		return fmt.Errorf("worker.interval_ms must be positive")
	}
	if c.Scheduler.IntervalMs <= 0 {
		return fmt.Errorf("scheduler.interval_ms must be positive")
	}
	if c.Sandbox.CPUTimeMs <= 0 || c.Sandbox.WallClockMs <= 0 {
		return fmt.Errorf("sandbox cpu/wall clock caps must be positive")
	}
	return nil
}
