// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store describes the connection details for the persistence backend:
// either a shared Postgres deployment or a single-host embedded SQLite
// file. Driver selects which of store.NewPostgresStore /
// store.NewSQLiteStore is constructed; DSN is passed through verbatim.
type Store struct {
	Driver string `mapstructure:"driver"` // "postgres" | "sqlite"
	DSN    string `mapstructure:"dsn"`
}

// Redis carries connection details for the Broker queue backend. Field
// names and defaults are carried over from the teacher's own Redis
// client configuration.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Queue selects which Queue backend the process resolves once at
// startup, and carries the Broker's connection details when selected.
type Queue struct {
	Backend           string        `mapstructure:"backend"` // "broker" | "embedded"
	Redis             Redis         `mapstructure:"redis"`
	FetchClaimTimeout time.Duration `mapstructure:"fetch_claim_timeout"`
}

// Heartbeat configures liveness tracking for running attempts.
type Heartbeat struct {
	MaxAge  time.Duration `mapstructure:"max_age"`
	Cadence time.Duration `mapstructure:"cadence"`
}

// Worker configures the per-process worker loop. Container names the
// worker image this process runs as; its capability set is looked up in
// the TaskType catalogue at startup.
type Worker struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Hostname     string        `mapstructure:"hostname"`
	Container    string        `mapstructure:"container"`
	ScratchPath  string        `mapstructure:"scratch_path"`
}

// Logging configures log-message truncation and level.
type Logging struct {
	Level             string `mapstructure:"level"`
	MaxMessageLength  int    `mapstructure:"max_message_length"`
}

// Repository configures the on-disk file-product archive.
type Repository struct {
	RootPath string `mapstructure:"root_path"`
}

// TaskTypes points at the XML catalogue of task types and their
// container capabilities.
type TaskTypes struct {
	CataloguePath string `mapstructure:"catalogue_path"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type ObservabilityConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

type Config struct {
	Store          Store               `mapstructure:"store"`
	Queue          Queue               `mapstructure:"queue"`
	Heartbeat      Heartbeat           `mapstructure:"heartbeat"`
	Worker         Worker              `mapstructure:"worker"`
	Logging        Logging             `mapstructure:"logging"`
	Repository     Repository          `mapstructure:"repository"`
	TaskTypes      TaskTypes           `mapstructure:"task_types"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Store: Store{
			Driver: "sqlite",
			DSN:    "./orchestrator.db",
		},
		Queue: Queue{
			Backend: "embedded",
			Redis: Redis{
				Addr:               "localhost:6379",
				PoolSizeMultiplier: 10,
				MinIdleConns:       5,
				DialTimeout:        5 * time.Second,
				ReadTimeout:        3 * time.Second,
				WriteTimeout:       3 * time.Second,
				MaxRetries:         3,
			},
			FetchClaimTimeout: 1 * time.Second,
		},
		Heartbeat: Heartbeat{
			MaxAge:  5 * time.Minute,
			Cadence: 30 * time.Second,
		},
		Worker: Worker{
			PollInterval: 10 * time.Second,
			Hostname:     hostname,
			Container:    "eas_base",
			ScratchPath:  os.TempDir(),
		},
		Logging: Logging{
			Level:            "info",
			MaxMessageLength: 4096,
		},
		Repository: Repository{
			RootPath: "./repository",
		},
		TaskTypes: TaskTypes{
			CataloguePath: "./config/task_types.xml",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// for anything absent, with environment-variable overrides (dots
// replaced by underscores, as the teacher's loader does).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("queue.backend", def.Queue.Backend)
	v.SetDefault("queue.redis.addr", def.Queue.Redis.Addr)
	v.SetDefault("queue.redis.pool_size_multiplier", def.Queue.Redis.PoolSizeMultiplier)
	v.SetDefault("queue.redis.min_idle_conns", def.Queue.Redis.MinIdleConns)
	v.SetDefault("queue.redis.dial_timeout", def.Queue.Redis.DialTimeout)
	v.SetDefault("queue.redis.read_timeout", def.Queue.Redis.ReadTimeout)
	v.SetDefault("queue.redis.write_timeout", def.Queue.Redis.WriteTimeout)
	v.SetDefault("queue.redis.max_retries", def.Queue.Redis.MaxRetries)
	v.SetDefault("queue.fetch_claim_timeout", def.Queue.FetchClaimTimeout)

	v.SetDefault("heartbeat.max_age", def.Heartbeat.MaxAge)
	v.SetDefault("heartbeat.cadence", def.Heartbeat.Cadence)

	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.hostname", def.Worker.Hostname)
	v.SetDefault("worker.container", def.Worker.Container)
	v.SetDefault("worker.scratch_path", def.Worker.ScratchPath)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.max_message_length", def.Logging.MaxMessageLength)

	v.SetDefault("repository.root_path", def.Repository.RootPath)
	v.SetDefault("task_types.catalogue_path", def.TaskTypes.CataloguePath)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Store.Driver != "postgres" && cfg.Store.Driver != "sqlite" {
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Queue.Backend != "broker" && cfg.Queue.Backend != "embedded" {
		return fmt.Errorf("queue.backend must be broker or embedded, got %q", cfg.Queue.Backend)
	}
	if cfg.Heartbeat.MaxAge < 5*time.Second {
		return fmt.Errorf("heartbeat.max_age must be >= 5s")
	}
	if cfg.Heartbeat.Cadence <= 0 || cfg.Heartbeat.Cadence >= cfg.Heartbeat.MaxAge {
		return fmt.Errorf("heartbeat.cadence must be >0 and < heartbeat.max_age")
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if cfg.Logging.MaxMessageLength <= 3 {
		return fmt.Errorf("logging.max_message_length must be > 3")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
