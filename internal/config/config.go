// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	CourierAPIAddress string `env:"COURIER_API_ADDRESS"`
	CourierAPIKey     string `env:"COURIER_API_KEY"`
	RedisAddress      string `env:"REDIS_ADDRESS"`
	AuthSecret        string `env:"AUTH_SECRET"`
	NotifyWebhookURL  string `env:"NOTIFY_WEBHOOK_URL"`

	IdempotencyBucket    time.Duration `env:"IDEMPOTENCY_BUCKET" envDefault:"5s"`
	LockTTL              time.Duration `env:"LOCK_TTL" envDefault:"30m"`
	DefaultPlatformFee   int64         `env:"DEFAULT_PLATFORM_FEE_CENTS" envDefault:"50"`
	CompensationInterval time.Duration `env:"COMPENSATION_INTERVAL" envDefault:"1m"`
	CompensationBatch    int           `env:"COMPENSATION_BATCH" envDefault:"50"`
	DebugErrors          bool          `env:"DEBUG_ERRORS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CourierAPIAddress, "c", "", "courier API address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for idempotency locks")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.DatabaseURI != "" {
		cfg.DatabaseURI = envCfg.DatabaseURI
	}
	if envCfg.CourierAPIAddress != "" {
		cfg.CourierAPIAddress = envCfg.CourierAPIAddress
	}
	if envCfg.RedisAddress != "" {
		cfg.RedisAddress = envCfg.RedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if cfg.DefaultPlatformFee < 0 {
		return nil, fmt.Errorf("DEFAULT_PLATFORM_FEE_CENTS must not be negative: %d", cfg.DefaultPlatformFee)
	}

	return cfg, nil
}
