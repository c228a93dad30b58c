// Package config содержит логику чтения конфигурации сервиса приёма платёжных событий.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultRunAddress = "localhost:8080"

var (
	// ErrDatabaseURIRequired возвращается, если не задан адрес базы данных.
	ErrDatabaseURIRequired = errors.New("database URI is required")
	// ErrWebhookSecretRequired возвращается, если не задан секрет подписи событий.
	ErrWebhookSecretRequired = errors.New("webhook signing secret is required")
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	ProcessTimeout   time.Duration `env:"PROCESS_TIMEOUT" envDefault:"20s"`

	NotifyAPIURL  string        `env:"NOTIFY_API_URL"`
	NotifyAPIKey  string        `env:"NOTIFY_API_KEY"`
	NotifyFrom    string        `env:"NOTIFY_FROM" envDefault:"orders@localhost"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`

	RedisURL            string        `env:"REDIS_URL"`
	OrderEventsTopicARN string        `env:"ORDER_EVENTS_TOPIC_ARN"`
	AWSEndpoint         string        `env:"AWS_ENDPOINT_URL"`
	LedgerSweepInterval time.Duration `env:"LEDGER_SWEEP_INTERVAL" envDefault:"1m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWebhookSecret := cfg.WebhookSecret

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "webhook signing secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	return cfg, nil
}

// Validate проверяет, что заданы параметры, без которых сервис не может принимать события.
func (c *Config) Validate() error {
	if c.DatabaseURI == "" {
		return ErrDatabaseURIRequired
	}
	if c.WebhookSecret == "" {
		return ErrWebhookSecretRequired
	}
	return nil
}
