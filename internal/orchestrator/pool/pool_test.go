package pool

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/credentials"
	"github.com/13ty/agor-sub000/internal/db"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{SocketDir: t.TempDir()},
		Auth:   config.AuthConfig{Secret: "pool-test-secret", AccessTokenTTL: 3600, ServiceTokenTTL: 3600},
		Execution: config.ExecutionConfig{
			UseExecutor: true,
			ExecutorBin: "/nonexistent/agor-executor", // startProcess is faked
		},
		Limits: config.LimitsConfig{
			RPCTimeout:          5,
			SocketWaitTimeout:   2,
			StopAckTimeout:      1,
			StopCompleteTimeout: 2,
			PermissionTimeout:   5,
		},
	}
}

func testCredentials(t *testing.T) *credentials.Service {
	t.Helper()
	pool, err := db.OpenSQLiteFile(t.TempDir() + "/creds.db")
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	keys, err := credentials.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	store, err := credentials.NewStore(pool, keys)
	require.NoError(t, err)
	return credentials.NewService(store, testLogger(t))
}

// recordingSink captures executor traffic routed through the pool.
type recordingSink struct {
	mu       sync.Mutex
	reports  []v1.ReportMessageParams
	commands []v1.DaemonCommandParams
}

func (s *recordingSink) HandleReportMessage(_ context.Context, _ *auth.Claims, params v1.ReportMessageParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, params)
}

func (s *recordingSink) HandleDaemonCommand(_ context.Context, _ *auth.Claims, params v1.DaemonCommandParams) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, params)
	return map[string]any{"ok": true}, nil
}

func (s *recordingSink) HandleRequestPermission(_ context.Context, _ *auth.Claims, _ v1.RequestPermissionParams) (*v1.RequestPermissionResult, error) {
	return &v1.RequestPermissionResult{Approved: true}, nil
}

// fakeExecutor serves ping and shutdown on the socket the pool expects, in
// place of a real executor process.
type fakeExecutor struct {
	mu    sync.Mutex
	env   map[string]string
	conns []*jsonrpc.Conn
}

func (f *fakeExecutor) start(t *testing.T) func(ctx context.Context, name string, args []string, env map[string]string) (*exec.Cmd, error) {
	return func(ctx context.Context, _ string, _ []string, env map[string]string) (*exec.Cmd, error) {
		f.mu.Lock()
		f.env = env
		f.mu.Unlock()

		server := jsonrpc.NewServer(env[EnvSocketPath], testLogger(t))
		server.Handle(v1.MethodPing, func(_ context.Context, _ json.RawMessage) (any, error) {
			return v1.PingResult{Pong: true, Timestamp: time.Now().UnixMilli()}, nil
		})
		server.Handle(v1.MethodShutdown, func(_ context.Context, _ json.RawMessage) (any, error) {
			return struct{}{}, nil
		})
		server.OnConnect = func(conn *jsonrpc.Conn) {
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.mu.Unlock()
		}
		if err := server.Listen(); err != nil {
			return nil, err
		}
		go func() { _ = server.Serve(context.Background()) }()
		t.Cleanup(func() { server.Close() })
		return nil, nil
	}
}

func (f *fakeExecutor) daemonConn(t *testing.T) *jsonrpc.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.conns) > 0 {
			conn := f.conns[0]
			f.mu.Unlock()
			return conn
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pool never connected")
	return nil
}

func testSession() *v1.Session {
	unix := "agor-alice"
	return &v1.Session{
		ID:           "sess-1",
		WorktreeID:   "wt-1",
		CreatedBy:    "alice",
		UnixUsername: &unix,
		AgenticTool:  v1.ToolClaudeCode,
		Status:       v1.SessionStatusIdle,
	}
}

func newTestPool(t *testing.T, sink Sink) (*Pool, *fakeExecutor) {
	t.Helper()
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	p := New(cfg, auth.NewTokenIssuer(&cfg.Auth), testCredentials(t), command.NewNoOp(testLogger(t)), sink, testLogger(t))
	p.startProcess = fake.start(t)
	return p, fake
}

func TestEnsureSpawnsAndReuses(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})

	inst, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", inst.SessionID)
	assert.Equal(t, "alice", inst.UserID)
	// NoOp runner fails the sudo probe, so no impersonation.
	assert.Empty(t, inst.UnixUsername)

	again, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)
	assert.Equal(t, inst.ExecutorID, again.ExecutorID)

	got, ok := p.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, inst.ExecutorID, got.ExecutorID)
}

func TestSpawnPassesTokenAndSocket(t *testing.T) {
	p, fake := newTestPool(t, &recordingSink{})

	inst, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)

	assert.Equal(t, inst.SocketPath, fake.env[EnvSocketPath])
	assert.Equal(t, "sess-1", fake.env[EnvSessionID])

	claims, err := auth.NewTokenIssuer(&config.AuthConfig{Secret: "pool-test-secret", AccessTokenTTL: 3600, ServiceTokenTTL: 3600}).Verify(fake.env[EnvSessionToken])
	require.NoError(t, err)
	assert.Equal(t, auth.RoleService, claims.Role)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "alice", claims.UserID)
}

func TestGetAPIKeyOverConnection(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	p, fake := newTestPool(t, &recordingSink{})

	_, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)

	conn := fake.daemonConn(t)
	var result v1.GetAPIKeyResult
	err = conn.Call(context.Background(), v1.MethodGetAPIKey, v1.GetAPIKeyParams{
		SessionToken:  fake.env[EnvSessionToken],
		CredentialKey: credentials.KeyAnthropic,
	}, &result, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", result.APIKey)
}

func TestExecutorTrafficRequiresServiceToken(t *testing.T) {
	p, fake := newTestPool(t, &recordingSink{})

	_, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)

	conn := fake.daemonConn(t)

	var result v1.GetAPIKeyResult
	err = conn.Call(context.Background(), v1.MethodGetAPIKey, v1.GetAPIKeyParams{
		SessionToken:  "not-a-token",
		CredentialKey: credentials.KeyAnthropic,
	}, &result, 2*time.Second)
	require.Error(t, err)

	// A user token must be rejected too: executors only hold service tokens.
	userToken, err := auth.NewTokenIssuer(&config.AuthConfig{Secret: "pool-test-secret", AccessTokenTTL: 3600, ServiceTokenTTL: 3600}).IssueUserToken("sess-1", "alice")
	require.NoError(t, err)
	err = conn.Call(context.Background(), v1.MethodGetAPIKey, v1.GetAPIKeyParams{
		SessionToken:  userToken,
		CredentialKey: credentials.KeyAnthropic,
	}, &result, 2*time.Second)
	require.Error(t, err)
}

func TestReportMessageRoutedToSink(t *testing.T) {
	sink := &recordingSink{}
	p, fake := newTestPool(t, sink)

	_, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)

	conn := fake.daemonConn(t)
	require.NoError(t, conn.Notify(v1.MethodReportMessage, v1.ReportMessageParams{
		SessionToken: fake.env[EnvSessionToken],
		TaskID:       "task-1",
		EventType:    v1.EventStreamingChunk,
		EventData:    map[string]interface{}{"chunk": "hi"},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.reports)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.reports, 1)
	assert.Equal(t, "task-1", sink.reports[0].TaskID)
	assert.Equal(t, v1.EventStreamingChunk, sink.reports[0].EventType)
}

func TestShutdownRemovesInstance(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})

	_, err := p.Ensure(context.Background(), testSession())
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background(), "sess-1", 100*time.Millisecond))
	_, ok := p.Get("sess-1")
	assert.False(t, ok)
}
