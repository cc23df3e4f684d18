package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AgentConfig is the rustyci-agent configuration.
type AgentConfig struct {
	User     string `env:"AGENT_USER,required"`
	Password string `env:"AGENT_PASSWORD,required"`

	ServerHost     string `env:"SERVER_HOST" envDefault:"localhost"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8000"`
	ServerProtocol string `env:"SERVER_PROTOCOL" envDefault:"https"`

	Addr string `env:"AGENT_ADDR" envDefault:"0.0.0.0"`
	Port int    `env:"AGENT_PORT" envDefault:"8800"`

	Messaging string `env:"RUSTY_MESSAGING,required"`
	Redis     RedisConfig

	Healthcheck   time.Duration `env:"SCHEDULER_HEALTHCHECK" envDefault:"180s"`
	GetAssigned   time.Duration `env:"SCHEDULER_GET_ASSIGNED" envDefault:"300s"`
	GetUnassigned time.Duration `env:"SCHEDULER_GET_UNASSIGNED" envDefault:"300s"`

	// Workdir is where per-pipeline clone directories are created.
	// Empty means the OS temp directory.
	Workdir string `env:"AGENT_WORKDIR"`
}

// LoadAgent reads the agent configuration from the environment.
func LoadAgent() (AgentConfig, error) {
	_ = godotenv.Load()

	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid agent configuration: %w", err)
	}
	switch cfg.Messaging {
	case MessagingMemory, MessagingRedis:
	default:
		return AgentConfig{}, fmt.Errorf("unknown RUSTY_MESSAGING %q", cfg.Messaging)
	}
	return cfg, nil
}

// ServerURL renders the HTTP base URL of the server.
func (c AgentConfig) ServerURL() string {
	return fmt.Sprintf("%s://%s:%d", c.ServerProtocol, c.ServerHost, c.ServerPort)
}

// ServerWSURL renders the WebSocket URL of the server's /ws endpoint.
func (c AgentConfig) ServerWSURL() string {
	scheme := "wss"
	if c.ServerProtocol == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.ServerHost, c.ServerPort)
}

// ListenAddr renders the host:port the agent health listener binds.
func (c AgentConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}
