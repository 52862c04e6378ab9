package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTPConfig
	Storage  StorageConfig
	Remote   RemoteConfig
	Pricing  PricingConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Cache    CacheConfig
	RabbitMQ RabbitMQConfig
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"HTTP_PORT" envDefault:"8080"`
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// StorageConfig locates the per-item price files.
type StorageConfig struct {
	DataDir       string        `env:"DATA_DIR" envDefault:"data/prices"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5m"`
}

// RemoteConfig points at the remote quote service.
type RemoteConfig struct {
	BaseURL string        `env:"REMOTE_BASE_URL" envDefault:"http://localhost:9090"`
	Timeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"10s"`
	Offline bool          `env:"REMOTE_OFFLINE" envDefault:"false"`
}

// PricingConfig tunes when cached quotes are refreshed.
type PricingConfig struct {
	StaleAfter      time.Duration `env:"STALE_AFTER" envDefault:"24h"`
	MissingCooldown time.Duration `env:"MISSING_COOLDOWN" envDefault:"2h"`
}

// PostgresConfig stores database connection parameters. An empty DSN
// disables the quote archive.
type PostgresConfig struct {
	DSN string `env:"DATABASE_DSN"`
}

// RedisConfig stores Redis connection parameters. An empty address disables
// the response cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// CacheConfig stores cache behavior.
type CacheConfig struct {
	TTLSeconds int `env:"CACHE_TTL_SECONDS" envDefault:"30"`
}

// RabbitMQConfig stores broker settings. An empty URL disables both the
// change publisher and the import consumer.
type RabbitMQConfig struct {
	URL             string        `env:"RABBITMQ_URL"`
	ChangesExchange string        `env:"RABBITMQ_CHANGES_EXCHANGE" envDefault:"prices.changes"`
	ImportsExchange string        `env:"RABBITMQ_IMPORTS_EXCHANGE" envDefault:"prices.imports"`
	BatchSize       int           `env:"RABBITMQ_BATCH_SIZE" envDefault:"100"`
	BatchTimeout    time.Duration `env:"RABBITMQ_BATCH_TIMEOUT" envDefault:"1s"`
	Prefetch        int           `env:"RABBITMQ_PREFETCH" envDefault:"50"`
}

// Load builds Config from environment variables, reading .env first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}
	if c.Pricing.StaleAfter <= 0 {
		errs = append(errs, errors.New("STALE_AFTER must be positive"))
	}
	if c.Pricing.MissingCooldown < 0 {
		errs = append(errs, errors.New("MISSING_COOLDOWN must not be negative"))
	}
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, errors.New("CACHE_TTL_SECONDS must not be negative"))
	}
	return errors.Join(errs...)
}
