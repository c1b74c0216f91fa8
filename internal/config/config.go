package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	NATS         NATSConfig
	Store        StoreConfig
	Redis        RedisConfig
	Postgres     PostgresConfig
	App          AppConfig
	Scheduler    SchedulerConfig
	Inbox        InboxConfig
	Backpressure BackpressureConfig
	Agents       AgentsConfig
	Defaults     DefaultsConfig
}

type NATSConfig struct {
	Enabled          bool
	URL              string
	MaxReconnects    int `mapstructure:"max_reconnects"`
	Stream           string
	Subjects         []string
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int           `mapstructure:"pool_size"`
	EventTTL time.Duration `mapstructure:"event_ttl"`
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

type AppConfig struct {
	Port            string
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

type InboxConfig struct {
	MaxDeliveries int `mapstructure:"max_deliveries"`
}

type BackpressureConfig struct {
	RateSign string `mapstructure:"rate_sign"`
}

type AgentsConfig struct {
	Timeout         time.Duration
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultsConfig preenche as settings que a definição do grafo omitiu
type DefaultsConfig struct {
	InboxPollFrequencyMs        int64 `mapstructure:"inbox_poll_frequency_ms"`
	BackpressurePollFrequencyMs int64 `mapstructure:"backpressure_poll_frequency_ms"`
	EgressConcurrency           int64 `mapstructure:"egress_concurrency"`
	PollFrequencyMs             int64 `mapstructure:"poll_frequency_ms"`
}

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	RateOlderMinusNewer = "older-minus-newer"
	RateNewerMinusOlder = "newer-minus-older"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.stream", "FLOW_BROKER")
	v.SetDefault("nats.subjects", []string{"flow.>"})
	v.SetDefault("nats.progress_interval", "10s")

	v.SetDefault("store.driver", StoreRedis)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.event_ttl", 24*time.Hour)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("app.port", "8080")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_timeout", 30*time.Second)

	v.SetDefault("scheduler.pool_size", 64)
	v.SetDefault("inbox.max_deliveries", 5)
	v.SetDefault("backpressure.rate_sign", RateOlderMinusNewer)

	v.SetDefault("agents.timeout", 30*time.Second)
	v.SetDefault("agents.breaker_failures", 5)
	v.SetDefault("agents.breaker_timeout", 30*time.Second)

	v.SetDefault("defaults.inbox_poll_frequency_ms", 1000)
	v.SetDefault("defaults.backpressure_poll_frequency_ms", 5000)
	v.SetDefault("defaults.egress_concurrency", 1)
	v.SetDefault("defaults.poll_frequency_ms", 5000)
}

// Load lê defaults, arquivo opcional (--config ou FLOW_CONFIG) e variáveis FLOW_*
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreRedis:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required when store.driver=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Backpressure.RateSign {
	case RateOlderMinusNewer, RateNewerMinusOlder:
	default:
		return fmt.Errorf("unknown backpressure.rate_sign %q", c.Backpressure.RateSign)
	}

	if c.Scheduler.PoolSize <= 0 {
		return fmt.Errorf("scheduler.pool_size must be positive")
	}
	if c.Inbox.MaxDeliveries <= 0 {
		return fmt.Errorf("inbox.max_deliveries must be positive")
	}
	if c.Defaults.EgressConcurrency <= 0 {
		return fmt.Errorf("defaults.egress_concurrency must be positive")
	}
	return nil
}
