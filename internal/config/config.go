// Package config содержит логику чтения конфигурации сервиса заказов бота.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/foodbot/internal/model"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	AuthSecret   string `env:"AUTH_SECRET"`
	ServiceToken string `env:"SERVICE_TOKEN"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`

	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	OrderEventsTopic   string        `env:"ORDER_EVENTS_TOPIC" envDefault:"foodbot.orders"`
	InitialBalance     model.Money   `env:"INITIAL_BALANCE" envDefault:"10000"`
	CheckoutAttempts   int           `env:"CHECKOUT_ATTEMPTS" envDefault:"3"`
	CheckoutRetryDelay time.Duration `env:"CHECKOUT_RETRY_DELAY" envDefault:"100ms"`
	CheckoutLockWait   time.Duration `env:"CHECKOUT_LOCK_WAIT" envDefault:"5s"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envServiceToken := cfg.ServiceToken
	envKafkaBrokers := cfg.KafkaBrokers

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI; in-memory storage when empty")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing user tokens")
	flag.StringVar(&cfg.ServiceToken, "t", "", "shared token of the bot transport for re-issuing user tokens")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated Kafka brokers for order events")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envServiceToken != "" {
		cfg.ServiceToken = envServiceToken
	}
	if envKafkaBrokers != "" {
		cfg.KafkaBrokers = envKafkaBrokers
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.CheckoutAttempts < 1 {
		errs = append(errs, errors.New("CHECKOUT_ATTEMPTS must be at least 1"))
	}
	if c.InitialBalance < 0 {
		errs = append(errs, errors.New("INITIAL_BALANCE must not be negative"))
	}
	if c.CheckoutLockWait <= 0 {
		errs = append(errs, errors.New("CHECKOUT_LOCK_WAIT must be positive"))
	}
	return errors.Join(errs...)
}
