// Package main is the entry point for dispatchd. The single binary runs the
// task queue, the scheduler, the MCP tool server, the WebSocket gateway and
// the HTTP API together over shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentsqlite "github.com/dispatchd/dispatchd/internal/agent/repository/sqlite"
	"github.com/dispatchd/dispatchd/internal/api"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/httpmw"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/common/tracing"
	"github.com/dispatchd/dispatchd/internal/db"
	gateways "github.com/dispatchd/dispatchd/internal/gateway/websocket"
	"github.com/dispatchd/dispatchd/internal/mcpserver"
	"github.com/dispatchd/dispatchd/internal/queue"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	tasksqlite "github.com/dispatchd/dispatchd/internal/task/repository/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting dispatchd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	eventBus := newEventBus(cfg, log)
	defer eventBus.Close()

	// Durable store.
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer pool.Close()
	log.Info("Database initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	taskRepo, err := tasksqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize task repository", zap.Error(err))
	}
	agentRepo, err := agentsqlite.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize agent repository", zap.Error(err))
	}

	// Dispatch core.
	q := queue.New(taskRepo, agentRepo, eventBus, cfg.Queue, log)

	// Maintenance scheduler.
	sched := scheduler.New(q, taskRepo, agentRepo, cfg.Scheduler, log)
	sched.Start(ctx)
	defer sched.Stop()
	log.Info("Scheduler started", zap.Int("tick_interval_s", cfg.Scheduler.TickInterval))

	// MCP tool server for agents.
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, q, agentRepo, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP server listening", zap.Int("port", mcpSrv.Port()))
	}

	// WebSocket gateway for dashboards.
	gateway := gateways.NewGateway(q, eventBus, log)

	// HTTP server: REST API + WebSocket endpoint.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "dispatchd"))
	router.Use(httpmw.OtelTracing("dispatchd"))

	gateway.SetupRoutes(router)
	api.NewHandler(q, log).RegisterRoutes(router)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Run(gctx, eventBus)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	log.Info("Shutting down dispatchd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("dispatchd stopped")
}
