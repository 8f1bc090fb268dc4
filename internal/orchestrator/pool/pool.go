// Package pool spawns executor processes and tracks their JSON-RPC
// connections, one executor per active session.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/credentials"
	"github.com/13ty/agor-sub000/internal/tracing"
	"github.com/13ty/agor-sub000/internal/unixenv"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

// Env vars handed to a spawned executor. The token is the executor's only
// authority back to the daemon.
const (
	EnvSocketPath   = "AGOR_EXECUTOR_SOCKET"
	EnvSessionID    = "AGOR_SESSION_ID"
	EnvSessionToken = "AGOR_SESSION_TOKEN"
)

// Sink receives executor-originated traffic. The orchestrator service
// implements it; the pool only routes.
type Sink interface {
	// HandleReportMessage processes a streaming or lifecycle event.
	HandleReportMessage(ctx context.Context, claims *auth.Claims, params v1.ReportMessageParams)

	// HandleDaemonCommand processes a state-changing command and returns
	// its result payload.
	HandleDaemonCommand(ctx context.Context, claims *auth.Claims, params v1.DaemonCommandParams) (any, error)

	// HandleRequestPermission resolves a blocking permission request.
	HandleRequestPermission(ctx context.Context, claims *auth.Claims, params v1.RequestPermissionParams) (*v1.RequestPermissionResult, error)
}

// Instance is one live executor process.
type Instance struct {
	ExecutorID   string
	SessionID    string
	UserID       string
	UnixUsername string
	SocketPath   string
	CreatedAt    time.Time

	client  *jsonrpc.Conn
	process *exec.Cmd
}

// Client exposes the instance's connection for direct calls.
func (i *Instance) Client() *jsonrpc.Conn { return i.client }

// Pool manages the executor fleet.
type Pool struct {
	execCfg   config.ExecutionConfig
	limits    config.LimitsConfig
	socketDir string

	issuer *auth.TokenIssuer
	creds  *credentials.Service
	runner command.Runner
	sink   Sink
	logger *logger.Logger

	// startProcess is swapped in tests so no real binary is needed.
	startProcess func(ctx context.Context, name string, args []string, env map[string]string) (*exec.Cmd, error)

	probeOnce   sync.Once
	impersonate bool

	mu        sync.Mutex
	instances map[string]*Instance

	// regWaiters parks SpawnFeathers calls until their child registers.
	regWaiters map[string]chan *Instance
}

// New builds a pool. socketDir falls back to a per-boot temp directory
// when the server config leaves it empty.
func New(cfg *config.Config, issuer *auth.TokenIssuer, creds *credentials.Service, runner command.Runner, sink Sink, log *logger.Logger) *Pool {
	socketDir := cfg.Server.SocketDir
	if socketDir == "" {
		socketDir = filepath.Join(os.TempDir(), "agor-executors")
	}
	p := &Pool{
		execCfg:    cfg.Execution,
		limits:     cfg.Limits,
		socketDir:  socketDir,
		issuer:     issuer,
		creds:      creds,
		runner:     runner,
		sink:       sink,
		logger:     log.WithFields(zap.String("component", "executor-pool")),
		instances:  make(map[string]*Instance),
		regWaiters: make(map[string]chan *Instance),
	}
	p.startProcess = p.defaultStartProcess
	return p
}

// canImpersonate probes passwordless sudo once. Impersonation silently
// degrades to same-user execution when the daemon lacks sudo rights.
func (p *Pool) canImpersonate(ctx context.Context) bool {
	p.probeOnce.Do(func() {
		if !p.execCfg.RunAsUnixUser {
			return
		}
		p.impersonate = p.runner.Check(ctx, command.Command{Name: "sudo", Args: []string{"-n", "-l"}})
		if !p.impersonate {
			p.logger.Warn("passwordless sudo unavailable, executors run as the daemon user")
		}
	})
	return p.impersonate
}

// executorBinary resolves the executor binary: explicit config first, then
// alongside the daemon binary, then PATH.
func (p *Pool) executorBinary() (string, error) {
	if p.execCfg.ExecutorBin != "" {
		return p.execCfg.ExecutorBin, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "agor-executor")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("agor-executor"); err == nil {
		return path, nil
	}
	return "", apperrors.Internal("executor binary not found; set execution.executorBin", nil)
}

// Get returns the live instance for a session, if any.
func (p *Pool) Get(sessionID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[sessionID]
	return inst, ok
}

// Ensure returns the session's executor, spawning one when absent. The
// session's creator identity decides the unix user the process runs as.
func (p *Pool) Ensure(ctx context.Context, session *v1.Session) (*Instance, error) {
	p.mu.Lock()
	if inst, ok := p.instances[session.ID]; ok {
		select {
		case <-inst.client.Closed():
			// Dead connection; respawn below.
			delete(p.instances, session.ID)
		default:
			p.mu.Unlock()
			return inst, nil
		}
	}
	p.mu.Unlock()

	return p.spawn(ctx, session)
}

func (p *Pool) spawn(ctx context.Context, session *v1.Session) (inst *Instance, err error) {
	ctx, span := tracing.TraceExecutorSpawn(ctx, session.ID, string(session.AgenticTool))
	defer func() {
		tracing.TraceExecutorSpawnResult(span, err)
		span.End()
	}()

	bin, err := p.executorBinary()
	if err != nil {
		return nil, err
	}

	executorID := uuid.NewString()
	socketPath := filepath.Join(p.socketDir, "exec-"+executorID+".sock")

	token, err := p.issuer.IssueServiceToken(session.ID, session.CreatedBy)
	if err != nil {
		return nil, err
	}

	unixUsername := ""
	if p.canImpersonate(ctx) && session.UnixUsername != nil {
		unixUsername = *session.UnixUsername
	}

	env := map[string]string{
		EnvSocketPath:   socketPath,
		EnvSessionID:    session.ID,
		EnvSessionToken: token,
	}
	name, args, err := unixenv.BuildSpawnArgs(bin, []string{"--socket", socketPath}, unixenv.SpawnOpts{
		AsUser: unixUsername,
		// Group membership may have changed when the session's worktree
		// was shared; a login shell picks up the fresh set.
		FreshGroups: unixUsername != "",
		Env:         env,
	})
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	proc, err := p.startProcess(ctx, name, args, env)
	if err != nil {
		return nil, apperrors.Internal("start executor", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, p.limits.SocketWaitDuration())
	defer cancelWait()
	if err := jsonrpc.WaitForSocket(waitCtx, socketPath, p.limits.SocketWaitDuration(), 50*time.Millisecond); err != nil {
		p.kill(proc)
		return nil, apperrors.ExecutorUnresponsive(fmt.Sprintf("executor socket never appeared: %v", err))
	}

	client, err := jsonrpc.Dial(context.WithoutCancel(ctx), socketPath, p.logger)
	if err != nil {
		p.kill(proc)
		return nil, apperrors.ExecutorUnresponsive(fmt.Sprintf("dial executor: %v", err))
	}
	p.registerHandlers(client)

	var pong v1.PingResult
	if err := client.Call(ctx, v1.MethodPing, nil, &pong, p.limits.RPCTimeoutDuration()); err != nil || !pong.Pong {
		client.Close()
		p.kill(proc)
		return nil, apperrors.ExecutorUnresponsive("executor did not answer ping")
	}

	inst = &Instance{
		ExecutorID:   executorID,
		SessionID:    session.ID,
		UserID:       session.CreatedBy,
		UnixUsername: unixUsername,
		SocketPath:   socketPath,
		CreatedAt:    time.Now(),
		client:       client,
		process:      proc,
	}

	p.mu.Lock()
	p.instances[session.ID] = inst
	p.mu.Unlock()

	go p.reap(inst)

	p.logger.Info("executor spawned",
		zap.String("executor_id", executorID),
		zap.String("session_id", session.ID),
		zap.String("unix_username", unixUsername))
	return inst, nil
}

func (p *Pool) defaultStartProcess(_ context.Context, name string, args []string, env map[string]string) (*exec.Cmd, error) {
	if err := os.MkdirAll(p.socketDir, 0o755); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// reap waits for process exit and drops the instance so the next prompt
// respawns.
func (p *Pool) reap(inst *Instance) {
	if inst.process != nil {
		_ = inst.process.Wait()
	} else {
		<-inst.client.Closed()
	}
	inst.client.Close()

	p.mu.Lock()
	if current, ok := p.instances[inst.SessionID]; ok && current.ExecutorID == inst.ExecutorID {
		delete(p.instances, inst.SessionID)
	}
	p.mu.Unlock()
	_ = os.Remove(inst.SocketPath)

	p.logger.Info("executor exited",
		zap.String("executor_id", inst.ExecutorID),
		zap.String("session_id", inst.SessionID))
}

func (p *Pool) kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

// Shutdown asks the executor to exit and escalates to SIGTERM when it
// overstays the grace period.
func (p *Pool) Shutdown(ctx context.Context, sessionID string, grace time.Duration) error {
	ctx, span := tracing.TraceExecutorShutdown(ctx, sessionID)
	defer span.End()

	p.mu.Lock()
	inst, ok := p.instances[sessionID]
	if ok {
		delete(p.instances, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var result struct{}
	err := inst.client.Call(ctx, v1.MethodShutdown, v1.ShutdownParams{TimeoutMs: grace.Milliseconds()}, &result, p.limits.RPCTimeoutDuration())
	if err != nil {
		p.logger.Warn("shutdown rpc failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if inst.process != nil && inst.process.Process != nil {
		exited := make(chan struct{})
		go func() {
			_ = inst.process.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(grace + time.Second):
			_ = inst.process.Process.Signal(syscall.SIGTERM)
		}
	}
	inst.client.Close()
	_ = os.Remove(inst.SocketPath)
	return nil
}

// ShutdownAll tears down every executor, for daemon exit.
func (p *Pool) ShutdownAll(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	sessions := make([]string, 0, len(p.instances))
	for id := range p.instances {
		sessions = append(sessions, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range sessions {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			_ = p.Shutdown(ctx, sessionID, grace)
		}(id)
	}
	wg.Wait()
}

// authenticate verifies a service token carried in executor traffic.
func (p *Pool) authenticate(token string) (*auth.Claims, error) {
	claims, err := p.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Role != auth.RoleService {
		return nil, apperrors.Forbidden("executor traffic requires a service token")
	}
	return claims, nil
}

// registerHandlers wires the daemon side of the symmetric connection.
func (p *Pool) registerHandlers(conn *jsonrpc.Conn) {
	conn.Handle(v1.MethodGetAPIKey, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params v1.GetAPIKeyParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		claims, err := p.authenticate(params.SessionToken)
		if err != nil {
			return nil, err
		}
		key, err := p.creds.Resolve(ctx, claims.UserID, params.CredentialKey)
		if err != nil {
			return nil, apperrors.NotFound("credential", params.CredentialKey)
		}
		return v1.GetAPIKeyResult{APIKey: key}, nil
	})

	conn.Handle(v1.MethodReportMessage, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params v1.ReportMessageParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		claims, err := p.authenticate(params.SessionToken)
		if err != nil {
			return nil, err
		}
		p.sink.HandleReportMessage(ctx, claims, params)
		return nil, nil
	})

	conn.Handle(v1.MethodDaemonCommand, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params v1.DaemonCommandParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		claims, err := p.authenticate(params.SessionToken)
		if err != nil {
			return nil, err
		}
		return p.sink.HandleDaemonCommand(ctx, claims, params)
	})

	conn.Handle(v1.MethodRequestPermission, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params v1.RequestPermissionParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		claims, err := p.authenticate(params.SessionToken)
		if err != nil {
			return nil, err
		}
		return p.sink.HandleRequestPermission(ctx, claims, params)
	})
}
