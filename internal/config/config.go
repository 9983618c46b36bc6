// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/okian/mindtriage/internal/adapters/mq/natsbus"
	"github.com/okian/mindtriage/internal/adapters/repository/postgres"
	"github.com/okian/mindtriage/internal/domain/triage"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// DevMode enables backdated submissions and disables the rapid cooldown.
	DevMode bool `koanf:"dev_mode"`

	HTTP    HTTPConfig     `koanf:"http"`
	Storage StorageConfig  `koanf:"storage"`
	NATS    natsbus.Config `koanf:"nats"`
	Queue   QueueConfig    `koanf:"queue"`
	Workers WorkersConfig  `koanf:"workers"`
	Rapid   RapidConfig    `koanf:"rapid"`
	Dedupe  DedupeConfig   `koanf:"dedupe"`
	Export  ExportConfig   `koanf:"export"`
	Engine  triage.Config  `koanf:"engine"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
}

// StorageConfig selects and configures the repository.
type StorageConfig struct {
	Driver     string          `koanf:"driver"`
	SQLitePath string          `koanf:"sqlite_path"`
	Postgres   postgres.Config `koanf:"postgres"`
}

// QueueConfig bounds the notification queue.
type QueueConfig struct {
	Capacity int `koanf:"capacity"`
}

// WorkersConfig sizes the notification worker pool.
type WorkersConfig struct {
	Count int `koanf:"count"`
}

// RapidConfig limits how often rapid evaluations are accepted.
type RapidConfig struct {
	Cooldown   time.Duration `koanf:"cooldown"`
	DailyLimit int           `koanf:"daily_limit"`
}

// DedupeConfig bounds the submission-id cache.
type DedupeConfig struct {
	Size int           `koanf:"size"`
	TTL  time.Duration `koanf:"ttl"`
}

// ExportConfig configures anonymized exports.
type ExportConfig struct {
	Salt string `koanf:"salt"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTP: HTTPConfig{
			Addr:              ":9080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
			MaxBodyBytes:      1 << 20,
		},
		Storage: StorageConfig{
			Driver:     DriverMemory,
			SQLitePath: "data/mindtriage.db",
			Postgres:   postgres.Config{MaxConns: 10},
		},
		NATS: natsbus.Config{
			SubjectPrefix: natsbus.DefaultSubjectPrefix,
			MaxReconnects: 60,
			ReconnectWait: 2 * time.Second,
		},
		Queue:   QueueConfig{Capacity: 1024},
		Workers: WorkersConfig{Count: runtime.NumCPU()},
		Rapid:   RapidConfig{Cooldown: 5 * time.Minute, DailyLimit: 3},
		Dedupe:  DedupeConfig{Size: 100_000, TTL: 24 * time.Hour},
		Export:  ExportConfig{Salt: "change-me"},
		Engine:  triage.DefaultConfig(),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr must not be empty", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path must not be empty", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn must not be empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("%w: queue.capacity must be positive", ErrInvalidConfig)
	}
	if c.Rapid.Cooldown < 0 || c.Rapid.DailyLimit < 0 {
		return fmt.Errorf("%w: rapid limits must not be negative", ErrInvalidConfig)
	}
	if c.Dedupe.Size < 1 {
		return fmt.Errorf("%w: dedupe.size must be positive", ErrInvalidConfig)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
