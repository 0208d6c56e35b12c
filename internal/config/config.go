package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration. Every risk threshold lives here
// rather than in code so operators can tune limits without a rebuild.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Log         LogConfig      `mapstructure:"log"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Risk        RiskConfig     `mapstructure:"risk"`
	Breaker     BreakerConfig  `mapstructure:"breaker"`
	Idempotency IdemConfig     `mapstructure:"idempotency"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig controls the HTTP intake surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig controls the gorm connection.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres or sqlite
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// RedisConfig controls the optional Redis idempotency backend.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig controls the surveillance signal consumer.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// RiskConfig holds risk-manager thresholds. Score thresholds are on the
// 0..1 scale produced by the scorers.
type RiskConfig struct {
	DenyScore       float64       `mapstructure:"deny_score"`
	ThrottleScore   float64       `mapstructure:"throttle_score"`
	ThrottleRatio   float64       `mapstructure:"throttle_ratio"`
	ScorerTimeout   time.Duration `mapstructure:"scorer_timeout"`
	MaxPositionPct  float64       `mapstructure:"max_position_pct"`  // max order notional as fraction of balance
	MaxOrderRate    int           `mapstructure:"max_order_rate"`    // orders per account per window
	OrderRateWindow time.Duration `mapstructure:"order_rate_window"` // sliding window for the order rate limit
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	TripThreshold          int           `mapstructure:"trip_threshold"` // consecutive high-risk signals before tripping
	SignalWindow           time.Duration `mapstructure:"signal_window"`
	Cooldown               time.Duration `mapstructure:"cooldown"`
	HalfOpenProbes         int           `mapstructure:"half_open_probes"` // clean approvals required to close
	HalfOpenMaxConcurrent  int           `mapstructure:"half_open_max_concurrent"`
	SurveillanceConfidence float64       `mapstructure:"surveillance_confidence"` // force-open threshold
}

// IdemConfig holds idempotency record retention settings.
type IdemConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// Load reads configuration from an optional YAML file plus TRADECORE_*
// environment overrides and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file::memory:?cache=shared")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "surveillance.alerts")
	v.SetDefault("kafka.group_id", "tradecore")

	v.SetDefault("risk.deny_score", 0.85)
	v.SetDefault("risk.throttle_score", 0.6)
	v.SetDefault("risk.throttle_ratio", 0.5)
	v.SetDefault("risk.scorer_timeout", 250*time.Millisecond)
	v.SetDefault("risk.max_position_pct", 0.25)
	v.SetDefault("risk.max_order_rate", 30)
	v.SetDefault("risk.order_rate_window", time.Minute)

	v.SetDefault("breaker.trip_threshold", 5)
	v.SetDefault("breaker.signal_window", 2*time.Minute)
	v.SetDefault("breaker.cooldown", 5*time.Minute)
	v.SetDefault("breaker.half_open_probes", 3)
	v.SetDefault("breaker.half_open_max_concurrent", 2)
	v.SetDefault("breaker.surveillance_confidence", 0.9)

	v.SetDefault("idempotency.retention", 24*time.Hour)
	v.SetDefault("idempotency.purge_interval", time.Hour)
}

func (c *Config) validate() error {
	if c.Risk.DenyScore <= c.Risk.ThrottleScore {
		return fmt.Errorf("risk.deny_score (%.2f) must exceed risk.throttle_score (%.2f)",
			c.Risk.DenyScore, c.Risk.ThrottleScore)
	}
	if c.Risk.ThrottleRatio <= 0 || c.Risk.ThrottleRatio >= 1 {
		return fmt.Errorf("risk.throttle_ratio must be in (0, 1), got %.2f", c.Risk.ThrottleRatio)
	}
	if c.Breaker.TripThreshold < 1 {
		return fmt.Errorf("breaker.trip_threshold must be at least 1, got %d", c.Breaker.TripThreshold)
	}
	if c.Breaker.HalfOpenMaxConcurrent < 1 {
		return fmt.Errorf("breaker.half_open_max_concurrent must be at least 1, got %d", c.Breaker.HalfOpenMaxConcurrent)
	}
	if c.Idempotency.Retention <= 0 {
		return fmt.Errorf("idempotency.retention must be positive, got %s", c.Idempotency.Retention)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
