// RustyCI agent — leases pipelines from the server and executes them,
// streaming logs through the shared broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustyops/rustyci/pkg/agent"
	"github.com/rustyops/rustyci/pkg/config"
	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/messaging/membroker"
	"github.com/rustyops/rustyci/pkg/messaging/redisbroker"
	"github.com/rustyops/rustyci/pkg/version"
)

// tokenTTL must match the server's JWT_TTL so renewal fires before the
// token expires.
const tokenTTL = 3600 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Load configuration
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting RustyCI agent",
		"version", version.Full(),
		"server", cfg.ServerURL(),
		"messaging", cfg.Messaging)

	// 2. Initialize the messaging backend. A memory broker only makes
	// sense when the server runs in the same process, but it keeps
	// local development honest.
	var broker messaging.Broker
	switch cfg.Messaging {
	case config.MessagingRedis:
		broker, err = redisbroker.New(ctx, redisbroker.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to Redis broker")
	default:
		broker = membroker.New()
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("Error closing broker", "error", err)
		}
	}()

	// 3. Run the supervised loops until a signal arrives
	client := agent.NewClient(cfg.ServerURL(), cfg.User, cfg.Password)
	runtime := agent.NewRuntime(cfg, client, broker, tokenTTL)

	if err := runtime.Run(ctx); err != nil {
		slog.Error("Agent runtime failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
