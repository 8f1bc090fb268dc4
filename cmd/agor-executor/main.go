// Package main is the per-session executor. The daemon spawns one of
// these (optionally under the session owner's unix account) in one of
// two modes: feathers, where the prompt arrives in the argv and the
// executor dials the daemon socket, or IPC, where the executor owns a
// socket and waits to be driven over JSON-RPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/executor"
	"github.com/13ty/agor-sub000/internal/orchestrator/pool"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

var version = "dev"

type flags struct {
	socketPath        string
	permissionTimeout time.Duration

	sessionToken   string
	sessionID      string
	taskID         string
	prompt         string
	tool           string
	permissionMode string
	daemonURL      string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:           "agor-executor",
		Short:         "Agor session executor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	root.Flags().StringVar(&f.socketPath, "socket", "", "unix socket path (defaults to $AGOR_EXECUTOR_SOCKET)")
	root.Flags().DurationVar(&f.permissionTimeout, "permission-timeout", time.Minute, "how long a tool waits for a human decision")

	root.Flags().StringVar(&f.sessionToken, "session-token", "", "service token (defaults to $AGOR_SESSION_TOKEN)")
	root.Flags().StringVar(&f.sessionID, "session-id", "", "session id (defaults to $AGOR_SESSION_ID)")
	root.Flags().StringVar(&f.taskID, "task-id", "", "task id of the run (feathers mode)")
	root.Flags().StringVar(&f.prompt, "prompt", "", "prompt to execute (feathers mode)")
	root.Flags().StringVar(&f.tool, "tool", "", "agentic tool driving the run (feathers mode)")
	root.Flags().StringVar(&f.permissionMode, "permission-mode", "", "tool permission mode")
	root.Flags().StringVar(&f.daemonURL, "daemon-url", "", "daemon socket to dial (feathers mode)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if f.sessionToken == "" {
		f.sessionToken = os.Getenv(pool.EnvSessionToken)
	}
	if f.sessionToken == "" {
		return fmt.Errorf("no session token: pass --session-token or set %s", pool.EnvSessionToken)
	}
	if f.sessionID == "" {
		f.sessionID = os.Getenv(pool.EnvSessionID)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envOr("AGOR_LOG_LEVEL", "info"),
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	if f.prompt != "" || f.daemonURL != "" {
		return runFeathers(ctx, f, log)
	}
	return runIPC(ctx, f, log)
}

func runFeathers(ctx context.Context, f flags, log *logger.Logger) error {
	if f.daemonURL == "" {
		return errors.New("feathers mode requires --daemon-url")
	}
	if f.taskID == "" || f.prompt == "" {
		return errors.New("feathers mode requires --task-id and --prompt")
	}
	tool := v1.AgenticTool(f.tool)
	if !tool.Valid() {
		return fmt.Errorf("unknown tool %q", f.tool)
	}

	cwd := os.Getenv(pool.EnvWorktreePath)
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	runtime := executor.NewRuntime(executor.Options{
		SessionToken:      f.sessionToken,
		SessionID:         f.sessionID,
		PermissionTimeout: f.permissionTimeout,
	}, log)

	log.Info("executor starting",
		zap.String("mode", "feathers"),
		zap.String("daemon_url", f.daemonURL),
		zap.String("session_id", f.sessionID),
		zap.String("task_id", f.taskID),
		zap.String("tool", f.tool))

	return runtime.RunFeathers(ctx, executor.FeathersOptions{
		DaemonSocket:   f.daemonURL,
		TaskID:         f.taskID,
		Prompt:         f.prompt,
		Tool:           tool,
		PermissionMode: f.permissionMode,
		Cwd:            cwd,
	})
}

func runIPC(ctx context.Context, f flags, log *logger.Logger) error {
	socketPath := f.socketPath
	if socketPath == "" {
		socketPath = os.Getenv(pool.EnvSocketPath)
	}
	if socketPath == "" {
		return fmt.Errorf("no socket path: pass --socket or set %s", pool.EnvSocketPath)
	}

	runtime := executor.NewRuntime(executor.Options{
		SocketPath:        socketPath,
		SessionToken:      f.sessionToken,
		SessionID:         f.sessionID,
		PermissionTimeout: f.permissionTimeout,
	}, log)

	log.Info("executor starting",
		zap.String("mode", "ipc"),
		zap.String("socket", socketPath),
		zap.String("session_id", f.sessionID))

	if err := runtime.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
