package database

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds database connection settings.
type Config struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"rustyci"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_NAME" envDefault:"rustyci"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Connection pool settings
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`
}

// LoadConfigFromEnv parses database configuration from environment
// variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid database configuration: %w", err)
	}
	return cfg, nil
}

// DSN renders the pgx-compatible connection string. Also used by the
// dedicated LISTEN connection of the change-stream listener.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
