// Package main is the entry point for sandbox-mcp: the MCP tool
// surface, the authenticating egress proxy and the session web-UI
// gateway in one server.
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

	"github.com/sandboxmcp/sandbox-mcp/internal/agentio"
	"github.com/sandboxmcp/sandbox-mcp/internal/backup"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/httpmw"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/events/bus"
	"github.com/sandboxmcp/sandbox-mcp/internal/gateway"
	"github.com/sandboxmcp/sandbox-mcp/internal/mcpserver"
	"github.com/sandboxmcp/sandbox-mcp/internal/proxy"
	"github.com/sandboxmcp/sandbox-mcp/internal/run"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	dockerruntime "github.com/sandboxmcp/sandbox-mcp/internal/sandbox/docker"
	spritesruntime "github.com/sandboxmcp/sandbox-mcp/internal/sandbox/sprites"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
	"github.com/sandboxmcp/sandbox-mcp/internal/telemetry"
	"github.com/sandboxmcp/sandbox-mcp/internal/tracing"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/engine"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sandbox-mcp...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		memBus := bus.NewMemoryBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// Object store.
	var objects storage.ObjectStore
	switch cfg.Storage.Driver {
	case "memory":
		objects = storage.NewMemoryStore()
	case "sqlite":
		objects, err = storage.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.Bucket)
		if err != nil {
			log.Fatal("Failed to open sqlite store", zap.Error(err), zap.String("path", cfg.Storage.Path))
		}
	case "postgres":
		objects, err = storage.NewPostgresStore(cfg.Storage.DSN, cfg.Storage.Bucket)
		if err != nil {
			log.Fatal("Failed to connect to postgres", zap.Error(err))
		}
	}
	defer objects.Close()
	log.Info("Object store ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.String("bucket", cfg.Storage.Bucket))

	sessions := session.NewStore(objects)
	runs := run.NewStore(objects)

	// Sandbox runtime.
	var runtime sandbox.Runtime
	switch cfg.Sandbox.Runtime {
	case "sprites":
		runtime, err = spritesruntime.NewRuntime(cfg.Sandbox, log)
	default:
		runtime, err = dockerruntime.NewRuntime(cfg.Sandbox, log)
	}
	if err != nil {
		log.Fatal("Failed to initialize sandbox runtime",
			zap.String("runtime", cfg.Sandbox.Runtime), zap.Error(err))
	}
	defer runtime.Close()
	log.Info("Sandbox runtime ready", zap.String("runtime", cfg.Sandbox.Runtime))

	// Workflow stack.
	emitter := telemetry.NewEmitter(nil)
	backups := backup.NewService(objects, log)
	preparer := sandbox.NewPreparer(backups, cfg.Sandbox.WorkspaceRoot, log)
	launcher := agentio.NewLauncher(cfg.Agent, log)
	eng := engine.New(objects, log)

	tasks := task.NewService(eng, runs, sessions, runtime, preparer, launcher, backups, eventBus, emitter, log)

	sweeper := task.NewSweeper(runs, eng, cfg.Workflow, log)
	sweeper.Start(ctx)

	// Operator-visible run lifecycle log.
	if _, err := eventBus.Subscribe("run.>", func(_ context.Context, ev *bus.Event) error {
		log.Info("run event",
			zap.String("type", ev.Type),
			zap.Any("runId", ev.Data["runId"]),
			zap.Any("sessionId", ev.Data["sessionId"]))
		return nil
	}); err != nil {
		log.Warn("Failed to subscribe to run events", zap.Error(err))
	}

	// Egress proxy.
	registry := proxy.NewRegistry(proxy.Credentials{
		AnthropicAPIKey: cfg.Proxy.AnthropicAPIKey,
		GitHubToken:     cfg.Proxy.GitHubToken,
	})
	if cfg.Proxy.ServicesFile != "" {
		if err := registry.LoadOverlay(cfg.Proxy.ServicesFile); err != nil {
			log.Fatal("Failed to load proxy services file",
				zap.String("path", cfg.Proxy.ServicesFile), zap.Error(err))
		}
	}
	proxyHandler := proxy.NewHandler("/proxy", cfg.Proxy.JWTSecret, registry, log)

	// Tool surface.
	dispatcher := mcpserver.NewDispatcher(cfg, sessions, runs, tasks, runtime, emitter, log)
	mcpSrv := mcpserver.NewServer(dispatcher, cfg.Auth.Token, log)

	// HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, telemetry.ServiceName))
	router.Use(httpmw.OtelTracing(telemetry.ServiceName))

	router.Any("/proxy/*path", gin.WrapH(proxyHandler))
	for _, path := range []string{"/mcp", "/sse", "/message"} {
		router.Any(path, gin.WrapH(mcpSrv.Handler()))
	}
	gateway.NewHandler(sessions, runtime, cfg.Agent.Port, log).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("mcp", "/mcp"),
			zap.String("proxy", "/proxy"),
			zap.String("gateway", "/session/{id}"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandbox-mcp...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	mcpSrv.Shutdown(shutdownCtx)

	sweeper.Stop()

	// Let in-flight workflows reach complete-run before the stores close.
	tasks.Wait()
	eng.Wait()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("sandbox-mcp stopped")
}
