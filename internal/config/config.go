// Package config loads process configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"markhub/internal/core/dedup"
	"markhub/internal/core/id"
	"markhub/internal/domain/allocation"
	"markhub/internal/domain/batch"
	"markhub/internal/infrastructure/storage/postgres"
	"markhub/pkg/compress"
	"markhub/pkg/logger"
)

// EnvPrefix prefixes every environment variable, e.g. MARKHUB_POSTGRES_DSN.
const EnvPrefix = "MARKHUB"

// EnvConfigFile names the variable holding the YAML config path.
const EnvConfigFile = "MARKHUB_CONFIG"

// Dedup backends.
const (
	DedupPostgres = "postgres"
	DedupRedis    = "redis"
	DedupMemory   = "memory"
)

// Config is the full process configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// Development reports whether the process runs in development mode.
func (c AppConfig) Development() bool {
	return c.Env == "development"
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	// Endpoint points the client at an emulator when set.
	Endpoint              string `mapstructure:"endpoint"`
	CodesTopic            string `mapstructure:"codes_topic"`
	OrdersSubscription    string `mapstructure:"orders_subscription"`
	MovementsSubscription string `mapstructure:"movements_subscription"`
	ReissueSubscription   string `mapstructure:"reissue_subscription"`
	MaxOutstanding        int    `mapstructure:"max_outstanding"`
}

type DedupConfig struct {
	Backend   string        `mapstructure:"backend"`
	Lease     time.Duration `mapstructure:"lease"`
	Retention time.Duration `mapstructure:"retention"`
}

type AllocationConfig struct {
	TestProfileID string `mapstructure:"test_profile_id"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	OrderPartSize int    `mapstructure:"order_part_size"`
	StockPartSize int    `mapstructure:"stock_part_size"`
}

type WorkerConfig struct {
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	RelayInterval     time.Duration `mapstructure:"relay_interval"`
	RelayBatchSize    int           `mapstructure:"relay_batch_size"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	PurgeAfter        time.Duration `mapstructure:"purge_after"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "markhub")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 25)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("postgres.migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "markhub:dedup:")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.endpoint", "")
	v.SetDefault("pubsub.codes_topic", "marking-codes")
	v.SetDefault("pubsub.orders_subscription", "markhub-orders")
	v.SetDefault("pubsub.movements_subscription", "markhub-stock-movements")
	v.SetDefault("pubsub.reissue_subscription", "markhub-reissue")
	v.SetDefault("pubsub.max_outstanding", 10)

	policy := dedup.DefaultPolicy()
	v.SetDefault("dedup.backend", DedupPostgres)
	v.SetDefault("dedup.lease", policy.Lease)
	v.SetDefault("dedup.retention", policy.Retention)

	v.SetDefault("allocation.test_profile_id", "")
	v.SetDefault("allocation.max_attempts", allocation.DefaultMaxAttempts)
	v.SetDefault("allocation.order_part_size", batch.OrderPartSize)
	v.SetDefault("allocation.stock_part_size", batch.StockPartSize)

	v.SetDefault("worker.metrics_addr", ":9091")
	v.SetDefault("worker.relay_interval", 2*time.Second)
	v.SetDefault("worker.relay_batch_size", 100)
	v.SetDefault("worker.cleanup_interval", 10*time.Minute)
	v.SetDefault("worker.purge_after", 72*time.Hour)
	v.SetDefault("worker.compress_threshold", compress.DefaultThreshold)
}

// Load reads configuration. A missing .env file is ignored; a missing
// YAML file named by MARKHUB_CONFIG is an error.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(os.Getenv(EnvConfigFile))
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	switch c.Dedup.Backend {
	case DedupPostgres, DedupMemory:
	case DedupRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend))
	}
	if c.Dedup.Lease <= 0 || c.Dedup.Retention <= 0 {
		errs = append(errs, errors.New("dedup lease and retention must be positive"))
	}
	if c.Allocation.TestProfileID != "" {
		if _, err := id.Parse(c.Allocation.TestProfileID); err != nil {
			errs = append(errs, fmt.Errorf("allocation.test_profile_id: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:       c.App.LogLevel,
		Development: c.App.Development(),
	}
}

// Pool returns the connection pool configuration.
func (c *Config) Pool() postgres.PoolConfig {
	pc := postgres.DefaultPoolConfig(c.Postgres.DSN)
	pc.ApplicationName = c.App.Name
	if c.Postgres.MaxConns > 0 {
		pc.MaxConns = c.Postgres.MaxConns
	}
	if c.Postgres.MinConns > 0 {
		pc.MinConns = c.Postgres.MinConns
	}
	if c.Postgres.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = c.Postgres.MaxConnLifetime
	}
	if c.Postgres.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = c.Postgres.MaxConnIdleTime
	}
	return pc
}

// DedupPolicy returns the lease and retention durations.
func (c *Config) DedupPolicy() dedup.Policy {
	return dedup.Policy{Lease: c.Dedup.Lease, Retention: c.Dedup.Retention}
}

// Selector returns the allocation configuration.
func (c *Config) Selector() allocation.Config {
	cfg := allocation.Config{MaxAttempts: c.Allocation.MaxAttempts}
	if c.Allocation.TestProfileID != "" {
		if pid, err := id.Parse(c.Allocation.TestProfileID); err == nil {
			cfg.TestProfileID = &pid
		}
	}
	return cfg
}

// PartSizes returns the part sizes per scope.
func (c *Config) PartSizes() batch.Sizes {
	return batch.Sizes{
		batch.ScopeOrder: c.Allocation.OrderPartSize,
		batch.ScopeStock: c.Allocation.StockPartSize,
	}
}
