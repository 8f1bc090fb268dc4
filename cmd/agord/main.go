// Package main is the Agor daemon: the single process that owns the
// database, the executor fleet, user terminals, and the HTTP/WebSocket
// surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/httpmw"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/credentials"
	"github.com/13ty/agor-sub000/internal/db"
	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/gateway/api"
	gateways "github.com/13ty/agor-sub000/internal/gateway/websocket"
	"github.com/13ty/agor-sub000/internal/orchestrator/pool"
	"github.com/13ty/agor-sub000/internal/orchestrator/runner"
	"github.com/13ty/agor-sub000/internal/orchestrator/stop"
	"github.com/13ty/agor-sub000/internal/permissions"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/terminal"
	"github.com/13ty/agor-sub000/internal/tracing"
	"github.com/13ty/agor-sub000/internal/unixenv"
	"github.com/13ty/agor-sub000/internal/worktree"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Paths.DataHome = expandHome(cfg.Paths.DataHome)

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

	log.Info("Starting agord...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Connect(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// Database and session store.
	dbPool, err := db.Open(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	store, err := session.NewSQLStore(dbPool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Database initialized", zap.String("dialect", cfg.Database.ResolvedDialect()))

	// Tokens and the authorization kernel.
	issuer := auth.NewTokenIssuer(&cfg.Auth)
	kernel := auth.NewKernel(store, log)

	// Per-user credential vault, encrypted with the daemon's master key.
	masterKeys, err := credentials.NewMasterKeyProvider(cfg.Paths.DataHome)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	credStore, err := credentials.NewStore(dbPool, masterKeys)
	if err != nil {
		log.Fatal("Failed to initialize credential store", zap.Error(err))
	}
	credSvc := credentials.NewService(credStore, log)

	// System command surface shared by unix provisioning and git checkouts.
	cmdRunner := command.WithLogging(command.NewDirect(), log)
	unixMgr := unixenv.NewManager(cmdRunner, log)
	worktreeMgr := worktree.NewManager(store, unixMgr, cmdRunner, &cfg.Execution, &cfg.Paths, log)
	terminalMgr := terminal.NewManager(&cfg.Execution, log)

	// Orchestrator: the executors adapter is late-bound because the pool
	// needs the runner as its traffic sink.
	executors := &runner.PoolExecutors{}
	stops := stop.NewController(store, eventBus, executors, cfg.Limits, log)
	broker := permissions.NewManager(cfg.Limits.PermissionDuration(), log)
	runnerSvc := runner.NewService(store, executors, stops, broker, eventBus, cfg.Limits, log)
	execPool := pool.New(cfg, issuer, credSvc, cmdRunner, runnerSvc, log)
	executors.Bind(execPool)

	// The daemon socket accepts feathers executors regardless of the
	// configured spawn mode, so manually started executors can register.
	go func() {
		if err := execPool.ServeGate(ctx); err != nil && err != context.Canceled {
			log.Error("Daemon socket stopped", zap.Error(err))
		}
	}()
	log.Info("Orchestrator initialized",
		zap.Bool("run_as_unix_user", cfg.Execution.RunAsUnixUser),
		zap.String("spawn_mode", cfg.Execution.SpawnMode))

	// WebSocket gateway with channel authorization backed by the kernel.
	gateway, gatewayCleanup, err := gateways.Provide(gateways.Deps{
		Issuer:     issuer,
		Store:      store,
		EventBus:   eventBus,
		Terminals:  terminalMgr,
		Authorizer: channelAuthorizer(kernel),
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize WebSocket gateway", zap.Error(err))
	}
	defer gatewayCleanup()
	go gateway.Hub.Run(ctx)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agord"))
	router.Use(httpmw.OtelTracing("agord"))

	gateway.SetupRoutes(router)
	api.SetupRoutes(router, api.Deps{
		Store:     store,
		Kernel:    kernel,
		Runner:    runnerSvc,
		Worktrees: worktreeMgr,
		Unix:      unixMgr,
		Creds:     credStore,
		Issuer:    issuer,
		AuthCfg:   &cfg.Auth,
		ExecCfg:   &cfg.Execution,
		Paths:     &cfg.Paths,
	}, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agor"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("terminal", "/terminal"),
		zap.String("health", "/health"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agord...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	execPool.ShutdownAll(shutdownCtx, 10*time.Second)
	terminalMgr.StopAll()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agord stopped")
}

// channelAuthorizer maps WebSocket channel subscriptions onto kernel
// decisions: session channels need view rank on the backing worktree,
// terminal channels belong to exactly one user.
func channelAuthorizer(kernel *auth.Kernel) gateways.Authorizer {
	return func(ctx context.Context, userID, channel string) error {
		kind, id, err := gateways.ParseChannel(channel)
		if err != nil {
			return apperrors.InvalidInput(err.Error())
		}
		switch kind {
		case gateways.ChannelKindSession:
			_, err := kernel.AuthorizeSession(ctx, userID, id, v1.PermissionView)
			return err
		case gateways.ChannelKindTerminal:
			if id != userID {
				return apperrors.Forbidden("terminal channels are private to their user")
			}
			return nil
		}
		return apperrors.InvalidInput("unknown channel kind")
	}
}

// expandHome resolves a leading ~ so paths.dataHome works with the
// documented "~/.agor" default.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// corsMiddleware allows browser clients on other origins to reach the
// API and upgrade WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
