// RustyCI server — serves the dispatch API and the pipeline event
// subscription endpoint, and runs the scheduling sweeps.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustyops/rustyci/pkg/api"
	"github.com/rustyops/rustyci/pkg/auth"
	"github.com/rustyops/rustyci/pkg/config"
	"github.com/rustyops/rustyci/pkg/database"
	"github.com/rustyops/rustyci/pkg/events"
	"github.com/rustyops/rustyci/pkg/messaging"
	"github.com/rustyops/rustyci/pkg/messaging/membroker"
	"github.com/rustyops/rustyci/pkg/messaging/redisbroker"
	"github.com/rustyops/rustyci/pkg/scheduler"
	"github.com/rustyops/rustyci/pkg/services"
	"github.com/rustyops/rustyci/pkg/storage"
	"github.com/rustyops/rustyci/pkg/storage/memstore"
	"github.com/rustyops/rustyci/pkg/storage/postgres"
	"github.com/rustyops/rustyci/pkg/version"
)

// wsWriteTimeout bounds a single frame write on a subscription
// connection before the client is considered too slow.
const wsWriteTimeout = 10 * time.Second

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting RustyCI server",
		"version", version.Full(),
		"addr", cfg.ListenAddr(),
		"persistence", cfg.Persistence,
		"messaging", cfg.Messaging)

	// 2. Initialize the change bus and the persistence backend
	bus := messaging.NewBus()

	var store storage.Store
	var listener *events.NotifyListener
	switch cfg.Persistence {
	case config.PersistencePostgres:
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err := database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")

		pgStore := postgres.New(dbClient.DB())
		store = pgStore
		listener = events.NewNotifyListener(dbConfig.DSN(), pgStore, bus)
	default:
		store = memstore.New(bus)
	}

	// 3. Initialize the messaging backend
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

	// 4. Initialize domain services
	users := services.NewUserService(store)
	roles := services.NewRoleService(store)
	perms := services.NewPermissionService(store)
	projects := services.NewProjectService(store)
	groups := services.NewGroupService(store)
	jobs := services.NewJobService(store)
	pipelines := services.NewPipelineService(store, cfg.AgentMaxAssignedJobs)
	agents := services.NewAgentService(store, cfg.AgentTTL, cfg.AgentsRegisteredMax)
	authorizer := auth.NewAuthorizer(store, cfg.JWTTTL)
	slog.Info("Services initialized")

	// 5. Seed the agent principal when configured
	if err := services.Bootstrap(ctx, users, roles, perms, cfg.AgentUser, cfg.AgentPassword); err != nil {
		slog.Error("Failed to bootstrap agent principal", "error", err)
		os.Exit(1)
	}

	// 6. Start the change-stream listener (postgres only: the memory
	// store publishes on the bus directly)
	if listener != nil {
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start change-stream listener", "error", err)
			os.Exit(1)
		}
		slog.Info("Change-stream listener started")
	}

	// 7. Start the subscription manager and the scheduler fleet
	connManager := events.NewConnectionManager(authorizer, bus, wsWriteTimeout)
	connManager.Start(ctx)

	fleet := scheduler.NewFleet(scheduler.Config{
		AgentSweepInterval:    cfg.SchedulerAgentsTTL,
		PipelineSweepInterval: cfg.SchedulerPipelinesCleanup,
		LogScanInterval:       cfg.SchedulerPipelinesLogs,
	}, agents, pipelines, store, broker, bus)
	fleet.Start(ctx)
	slog.Info("Scheduler fleet started")

	// 8. Start the HTTP server
	adapter := api.NewAdapter(authorizer, users, projects, groups, jobs, pipelines, agents)
	server := api.NewServer(cfg.ListenAddr(), adapter, connManager, cfg.CORSAllowOrigin)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	slog.Info("HTTP server listening", "addr", cfg.ListenAddr())

	// 9. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	// 10. Graceful shutdown: stop taking requests, then stop the
	// background components, then release the backends
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	fleet.Stop()
	connManager.Stop()
	if listener != nil {
		listener.Stop(shutdownCtx)
	}
	if err := store.Close(); err != nil {
		slog.Error("Error closing store", "error", err)
	}

	slog.Info("Shutdown complete")
}
