// Package config loads server and agent configuration from the
// environment. A .env file is loaded first when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend selectors.
const (
	PersistenceMemory   = "memory"
	PersistencePostgres = "postgres"
	MessagingMemory     = "memory"
	MessagingRedis      = "redis"
)

// ServerConfig is the rustyci server configuration.
type ServerConfig struct {
	Persistence string `env:"RUSTY_PERSISTENCE,required"`
	Messaging   string `env:"RUSTY_MESSAGING,required"`

	Addr            string `env:"SERVER_ADDR" envDefault:"0.0.0.0"`
	Port            int    `env:"SERVER_PORT" envDefault:"8000"`
	CORSAllowOrigin string `env:"CORS_ALLOW_ORIGIN" envDefault:"http://localhost:8080"`

	AgentMaxAssignedJobs int           `env:"AGENT_MAX_ASSIGNED_JOBS" envDefault:"1"`
	AgentsRegisteredMax  int           `env:"AGENTS_REGISTERED_MAX" envDefault:"24"`
	AgentTTL             time.Duration `env:"AGENT_TTL" envDefault:"360s"`

	SchedulerAgentsTTL        time.Duration `env:"SCHEDULER_AGENTS_TTL" envDefault:"60s"`
	SchedulerPipelinesCleanup time.Duration `env:"SCHEDULER_PIPELINES_CLEANUP" envDefault:"60s"`
	SchedulerPipelinesLogs    time.Duration `env:"SCHEDULER_PIPELINES_LOGS" envDefault:"1s"`

	JWTTTL time.Duration `env:"JWT_TTL" envDefault:"3600s"`

	// Optional bootstrap principal for agents.
	AgentUser     string `env:"AGENT_USER"`
	AgentPassword string `env:"AGENT_PASSWORD"`

	Redis RedisConfig
}

// RedisConfig configures the redis broker backend.
type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"24"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"30s"`
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (ServerConfig, error) {
	_ = godotenv.Load()

	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server configuration: %w", err)
	}
	if err := validateBackends(cfg.Persistence, cfg.Messaging); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ListenAddr renders the host:port the HTTP server binds.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

func validateBackends(persistence, messaging string) error {
	switch persistence {
	case PersistenceMemory, PersistencePostgres:
	default:
		return fmt.Errorf("unknown RUSTY_PERSISTENCE %q", persistence)
	}
	switch messaging {
	case MessagingMemory, MessagingRedis:
	default:
		return fmt.Errorf("unknown RUSTY_MESSAGING %q", messaging)
	}
	return nil
}
