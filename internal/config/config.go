package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	DBDriver    string `mapstructure:"DB_DRIVER"`
	DatabaseURL string `mapstructure:"DB_DSN"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// SeedCounters is a comma separated list of counter names created on an
	// empty sqlite database.
	SeedCounters string `mapstructure:"SEED_COUNTERS"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	RedisTLS      bool          `mapstructure:"REDIS_TLS"`
	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`

	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
	RelayInterval  time.Duration `mapstructure:"RELAY_INTERVAL"`
	RelayBatchSize int           `mapstructure:"RELAY_BATCH_SIZE"`

	AutoSkipGrace     time.Duration `mapstructure:"AUTO_SKIP_GRACE"`
	AutoSkipInterval  time.Duration `mapstructure:"AUTO_SKIP_INTERVAL"`
	AutoSkipBatchSize int           `mapstructure:"AUTO_SKIP_BATCH_SIZE"`
	CompleteOnAdvance bool          `mapstructure:"COMPLETE_ON_ADVANCE"`
	ListingLimit      int           `mapstructure:"LISTING_LIMIT"`

	RateLimitPerMinute        int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst            int `mapstructure:"RATE_LIMIT_BURST"`
	CounterRateLimitPerMinute int `mapstructure:"COUNTER_RATE_LIMIT_PER_MIN"`
	CounterRateLimitBurst     int `mapstructure:"COUNTER_RATE_LIMIT_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("DB_DSN", "")
	v.SetDefault("SQLITE_PATH", "file:qms.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SEED_COUNTERS", "")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_TLS", false)
	v.SetDefault("CACHE_TTL", "10s")

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "qms.tickets")
	v.SetDefault("RELAY_INTERVAL", "1s")
	v.SetDefault("RELAY_BATCH_SIZE", 100)

	v.SetDefault("AUTO_SKIP_GRACE", "0s")
	v.SetDefault("AUTO_SKIP_INTERVAL", "30s")
	v.SetDefault("AUTO_SKIP_BATCH_SIZE", 100)
	v.SetDefault("COMPLETE_ON_ADVANCE", false)
	v.SetDefault("LISTING_LIMIT", 20)

	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("COUNTER_RATE_LIMIT_PER_MIN", 60)
	v.SetDefault("COUNTER_RATE_LIMIT_BURST", 10)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DB_DSN is required for driver %q", c.DBDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.ListingLimit <= 0 || c.ListingLimit > 100 {
		return fmt.Errorf("config: LISTING_LIMIT must be within 1..100, got %d", c.ListingLimit)
	}
	return nil
}

// RelayEnabled reports whether outbox events should be shipped to a broker.
func (c Config) RelayEnabled() bool {
	return c.AMQPURL != "" && c.RelayInterval > 0
}

// CounterSeeds returns the trimmed, non-empty names of SEED_COUNTERS.
func (c Config) CounterSeeds() []string {
	var names []string
	for _, name := range strings.Split(c.SeedCounters, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (c Config) AutoSkipEnabled() bool {
	return c.AutoSkipGrace > 0 && c.AutoSkipInterval > 0
}
