// Package main is the entry point for forged, the agent fleet daemon.
// A single binary runs the tmux-backed agent manager, the polling
// scheduler, the chat connectors, and the HTTP/WebSocket gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/bridge"
	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/connector"
	"github.com/agentforge/agentforge/internal/events/bus"
	gateways "github.com/agentforge/agentforge/internal/gateway/websocket"
	"github.com/agentforge/agentforge/internal/httpapi"
	"github.com/agentforge/agentforge/internal/monitor"
	"github.com/agentforge/agentforge/internal/scheduler"
	"github.com/agentforge/agentforge/internal/store"
	"github.com/agentforge/agentforge/internal/tmux"
	"github.com/agentforge/agentforge/internal/workspace"
)

func main() {
	// 1. Load configuration
	reg, err := config.NewRegistry(os.Getenv("FORGE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := reg.Current()

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting forged...",
		zap.Int("projects", len(cfg.Projects)),
		zap.Int("connectors", len(cfg.Connectors)))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Initialize the event and snapshot store
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to initialize SQLite database",
			zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer st.Close()
	log.Info("SQLite store initialized", zap.String("db_path", cfg.Database.Path))

	// 6. Compile the status inference rules
	engine, err := monitor.NewEngine(monitor.Rules{
		InputPatterns: cfg.Monitor.InputPatterns,
		ErrorPatterns: cfg.Monitor.ErrorPatterns,
		IdlePatterns:  cfg.Monitor.IdlePatterns,
	})
	if err != nil {
		log.Fatal("Invalid monitor patterns", zap.Error(err))
	}

	// 7. Initialize the agent manager over tmux and git worktrees
	tmuxClient := tmux.NewClient(log)
	provisioner := workspace.NewProvisioner(log)
	agents := agent.NewManager(reg, tmuxClient, provisioner, st, engine, log)
	agents.ServerURL = fmt.Sprintf("http://127.0.0.1:%d", serverPort(cfg))

	// Re-adopt sessions that survived a daemon restart before anything
	// else starts acting on the fleet.
	if err := agents.Recover(ctx); err != nil {
		log.Error("Session recovery incomplete", zap.Error(err))
	}
	log.Info("Agent manager initialized", zap.Int("agents", len(agents.List())))

	// 8. Initialize chat connectors and the message router
	conns := connector.NewManager(reg, log)
	router := connector.NewRouter(agents, reg, conns, log)
	conns.SetInboundHandler(router.HandleInbound)
	conns.StartAll(ctx)

	// 9. Start the polling scheduler; the router doubles as its notifier
	sched := scheduler.New(agents, tmuxClient, engine, reg, eventBus, router, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	// 10. Initialize the WebSocket gateway and terminal bridges
	hub := gateways.NewHub(log)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if err := hub.SubscribeBus(eventBus); err != nil {
		log.Error("Failed to subscribe hub to event bus", zap.Error(err))
	}
	pool := bridge.NewPool(tmuxClient, log)

	// 11. HTTP server (REST + WebSocket endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(corsMiddleware())

	handlers := httpapi.NewHandlers(agents, reg, st, conns, router, log)
	handlers.Register(ginRouter,
		gateways.NewHandler(hub, log),
		gateways.NewTerminalHandler(agents, pool, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, serverPort(cfg)),
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("terminal", "/ws/terminal/:agent_id"),
		zap.String("health", "/healthz"),
		zap.String("http", "/api"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down forged...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the scheduler and hub before tearing down what they poll.
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Background loop error", zap.Error(err))
	}

	conns.StopAll(shutdownCtx)
	pool.Close()

	log.Info("forged stopped")
}

func serverPort(cfg *config.Config) int {
	if cfg.Server.Port == 0 {
		return 8080
	}
	return cfg.Server.Port
}
