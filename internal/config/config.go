// internal/config/config.go
package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	// AMQPURL empty means the in-process event bus is used instead of
	// RabbitMQ.
	AMQPURL  string `env:"AMQP_URL"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// MaxSendAttempts bounds transient retries per contact (attempts
	// total, not retries after the first).
	MaxSendAttempts int `env:"MAX_SEND_ATTEMPTS" envDefault:"2"`
	// InboxRatePerMinute caps sends per provider account across all
	// campaigns sharing it.
	InboxRatePerMinute int `env:"INBOX_RATE_PER_MINUTE" envDefault:"20"`
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
