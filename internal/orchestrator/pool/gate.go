package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/tracing"
	"github.com/13ty/agor-sub000/internal/unixenv"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

// EnvWorktreePath tells a feathers executor which directory the adapter
// runs in. The argv carries no cwd.
const EnvWorktreePath = "AGOR_WORKTREE_PATH"

// FeathersEnabled reports whether spawns use feathers mode: the child
// carries the prompt in its argv and dials the daemon socket instead of
// owning one.
func (p *Pool) FeathersEnabled() bool {
	return p.execCfg.SpawnMode == config.SpawnModeFeathers
}

// DaemonSocketPath is where the gate listens for executor dials.
func (p *Pool) DaemonSocketPath() string {
	return filepath.Join(p.socketDir, "daemon.sock")
}

// ServeGate runs the daemon-side socket. Feathers executors dial it,
// register, and from then on the connection is indistinguishable from an
// IPC one: stop, permission and credential traffic all flow over it.
func (p *Pool) ServeGate(ctx context.Context) error {
	if err := os.MkdirAll(p.socketDir, 0o755); err != nil {
		return err
	}
	server := jsonrpc.NewServer(p.DaemonSocketPath(), p.logger)
	server.OnConnect = func(conn *jsonrpc.Conn) {
		p.registerHandlers(conn)
		conn.Handle(v1.MethodRegisterExecutor, p.handleRegisterExecutor(conn))
	}
	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on daemon socket: %w", err)
	}
	defer server.Close()

	p.logger.Info("daemon socket listening", zap.String("path", p.DaemonSocketPath()))
	return server.Serve(ctx)
}

func (p *Pool) handleRegisterExecutor(conn *jsonrpc.Conn) jsonrpc.Handler {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var params v1.RegisterExecutorParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		claims, err := p.authenticate(params.SessionToken)
		if err != nil {
			return nil, err
		}
		if claims.SessionID != params.SessionID {
			return nil, apperrors.Forbidden("token is bound to a different session")
		}

		inst := &Instance{
			ExecutorID: uuid.NewString(),
			SessionID:  params.SessionID,
			UserID:     claims.UserID,
			CreatedAt:  time.Now(),
			client:     conn,
		}
		p.adopt(inst)

		p.logger.Info("executor registered",
			zap.String("executor_id", inst.ExecutorID),
			zap.String("session_id", inst.SessionID),
			zap.String("task_id", params.TaskID))
		return v1.RegisterExecutorResult{ExecutorID: inst.ExecutorID}, nil
	}
}

// adopt binds a registered connection as the session's instance and
// starts its reaper. A waiting SpawnFeathers call is unblocked.
func (p *Pool) adopt(inst *Instance) {
	p.mu.Lock()
	p.instances[inst.SessionID] = inst
	waiter, claimed := p.regWaiters[inst.SessionID]
	if claimed {
		delete(p.regWaiters, inst.SessionID)
	}
	p.mu.Unlock()

	go p.reap(inst)
	if claimed {
		waiter <- inst
	}
}

// SpawnFeathers starts a per-task executor that self-drives the prompt.
// It returns once the child has registered on the daemon socket; the run
// result arrives later as an execute_result event.
func (p *Pool) SpawnFeathers(ctx context.Context, sess *v1.Session, task *v1.Task, cwd string) (err error) {
	ctx, span := tracing.TraceExecutorSpawn(ctx, sess.ID, string(sess.AgenticTool))
	defer func() {
		tracing.TraceExecutorSpawnResult(span, err)
		span.End()
	}()

	bin, err := p.executorBinary()
	if err != nil {
		return err
	}

	token, err := p.issuer.IssueServiceToken(sess.ID, sess.CreatedBy)
	if err != nil {
		return err
	}

	unixUsername := ""
	if p.canImpersonate(ctx) && sess.UnixUsername != nil {
		unixUsername = *sess.UnixUsername
	}

	env := map[string]string{
		EnvSessionID:    sess.ID,
		EnvSessionToken: token,
		EnvWorktreePath: cwd,
	}
	args := []string{
		"--session-token", token,
		"--session-id", sess.ID,
		"--task-id", task.ID,
		"--prompt", task.Prompt,
		"--tool", string(sess.AgenticTool),
		"--daemon-url", p.DaemonSocketPath(),
	}
	if task.PermissionMode != "" {
		args = append(args, "--permission-mode", task.PermissionMode)
	}
	name, argv, err := unixenv.BuildSpawnArgs(bin, args, unixenv.SpawnOpts{
		AsUser:      unixUsername,
		FreshGroups: unixUsername != "",
		Env:         env,
	})
	if err != nil {
		return apperrors.InvalidInput(err.Error())
	}

	waiter := make(chan *Instance, 1)
	p.mu.Lock()
	p.regWaiters[sess.ID] = waiter
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.regWaiters, sess.ID)
		p.mu.Unlock()
	}()

	proc, err := p.startProcess(ctx, name, argv, env)
	if err != nil {
		return apperrors.Internal("start executor", err)
	}

	select {
	case inst := <-waiter:
		// The instance is reaped through its connection; the process
		// handle still needs a Wait to collect the exit status.
		if proc != nil {
			go func() { _ = proc.Wait() }()
		}
		p.logger.Info("feathers executor running",
			zap.String("executor_id", inst.ExecutorID),
			zap.String("session_id", sess.ID),
			zap.String("task_id", task.ID),
			zap.String("unix_username", unixUsername))
		return nil
	case <-time.After(p.limits.SocketWaitDuration()):
		p.kill(proc)
		return apperrors.ExecutorUnresponsive("executor never registered on the daemon socket")
	case <-ctx.Done():
		p.kill(proc)
		return ctx.Err()
	}
}
