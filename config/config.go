// Package config loads duops runtime configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("duops.yaml").
//	    Load()
//
// Precedence: defaults, then the YAML file, then DUOPS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
)

// Scheduler kinds.
const (
	SchedulerInProcess = "inprocess"
	SchedulerPGQueue   = "pgqueue"
)

// Config is the complete duops runtime configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	OTel      OTelConfig      `yaml:"otel" env:"OTEL"`
}

// StoreConfig selects and configures the operation store.
type StoreConfig struct {
	// Driver: memory, postgres, redis, sqlite
	Driver   string         `yaml:"driver" env:"DRIVER"`
	Postgres PostgresConfig `yaml:"postgres" env:"POSTGRES"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	SQLite   SQLiteConfig   `yaml:"sqlite" env:"SQLITE"`
}

type PostgresConfig struct {
	URL    string `yaml:"url" env:"URL"`
	Schema string `yaml:"schema" env:"SCHEMA"`
	// ShardCount must not change once data was written.
	ShardCount int `yaml:"shard_count" env:"SHARD_COUNT"`
	MaxConns   int `yaml:"max_conns" env:"MAX_CONNS"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SchedulerConfig configures the background poll loop.
type SchedulerConfig struct {
	// Kind: inprocess, pgqueue (requires the postgres store)
	Kind        string `yaml:"kind" env:"KIND"`
	Concurrency int    `yaml:"concurrency" env:"CONCURRENCY"`
	// PollInterval is how often idle workers look for due work.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// ClaimTimeout bounds how long a pgqueue claim hides a job from other workers.
	ClaimTimeout time.Duration `yaml:"claim_timeout" env:"CLAIM_TIMEOUT"`
	// MaxPollsPerSecond caps the poll rate across workers; 0 disables the cap.
	MaxPollsPerSecond float64 `yaml:"max_polls_per_second" env:"MAX_POLLS_PER_SECOND"`
	// ErrorDelay postpones the next poll after a poll returned an error.
	ErrorDelay time.Duration `yaml:"error_delay" env:"ERROR_DELAY"`
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// ListenAddr serves /metrics, e.g. ":9090"
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

type OTelConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Endpoint       string        `yaml:"endpoint" env:"ENDPOINT"`
	Insecure       bool          `yaml:"insecure" env:"INSECURE"`
	ServiceName    string        `yaml:"service_name" env:"SERVICE_NAME"`
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// DefaultConfig returns a configuration that runs entirely in memory.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			Postgres: PostgresConfig{
				Schema:     "duops",
				ShardCount: 1,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "duops:",
			},
			SQLite: SQLiteConfig{Path: "duops.db"},
		},
		Scheduler: SchedulerConfig{
			Kind:         SchedulerInProcess,
			Concurrency:  4,
			PollInterval: 100 * time.Millisecond,
			ClaimTimeout: 30 * time.Second,
			ErrorDelay:   50 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
		OTel: OTelConfig{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ServiceName:    "duops",
			ExportInterval: 15 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, "store.postgres.url is required for the postgres driver")
		}
		if c.Store.Postgres.ShardCount < 0 {
			errs = append(errs, "store.postgres.shard_count must not be negative")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for the redis driver")
		}
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, "store.sqlite.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Scheduler.Kind {
	case SchedulerInProcess:
	case SchedulerPGQueue:
		if c.Store.Driver != DriverPostgres {
			errs = append(errs, "scheduler pgqueue requires the postgres store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown scheduler kind %q", c.Scheduler.Kind))
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, "scheduler.concurrency must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MaxPollsPerSecond < 0 {
		errs = append(errs, "scheduler.max_polls_per_second must not be negative")
	}
	if c.Scheduler.ErrorDelay < 0 {
		errs = append(errs, "scheduler.error_delay must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.OTel.Enabled && c.OTel.Endpoint == "" {
		errs = append(errs, "otel.endpoint is required when otel is enabled")
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}
