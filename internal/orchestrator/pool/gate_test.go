package pool

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

func startGate(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.ServeGate(ctx) }()
	require.NoError(t, jsonrpc.WaitForSocket(ctx, p.DaemonSocketPath(), 2*time.Second, 10*time.Millisecond))
}

func TestGateRegisterBindsInstance(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})
	startGate(t, p)

	token, err := p.issuer.IssueServiceToken("sess-1", "alice")
	require.NoError(t, err)

	conn, err := jsonrpc.Dial(context.Background(), p.DaemonSocketPath(), testLogger(t))
	require.NoError(t, err)

	var reg v1.RegisterExecutorResult
	require.NoError(t, conn.Call(context.Background(), v1.MethodRegisterExecutor, v1.RegisterExecutorParams{
		SessionToken: token,
		SessionID:    "sess-1",
		TaskID:       "task-1",
	}, &reg, 2*time.Second))
	assert.NotEmpty(t, reg.ExecutorID)

	inst, ok := p.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "alice", inst.UserID)

	// Dropping the connection reaps the instance.
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := p.Get("sess-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("instance never reaped after disconnect")
}

func TestGateRejectsUserTokens(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})
	startGate(t, p)

	token, err := p.issuer.IssueUserToken("sess-1", "alice")
	require.NoError(t, err)

	conn, err := jsonrpc.Dial(context.Background(), p.DaemonSocketPath(), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var reg v1.RegisterExecutorResult
	err = conn.Call(context.Background(), v1.MethodRegisterExecutor, v1.RegisterExecutorParams{
		SessionToken: token,
		SessionID:    "sess-1",
	}, &reg, 2*time.Second)
	require.Error(t, err)
}

func TestSpawnFeathersBindsRegisteredChild(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})
	startGate(t, p)

	// The fake child dials the gate and registers, like a real feathers
	// executor would right after starting.
	var gotArgs []string
	p.startProcess = func(_ context.Context, _ string, args []string, env map[string]string) (*exec.Cmd, error) {
		gotArgs = args
		go func() {
			conn, err := jsonrpc.Dial(context.Background(), p.DaemonSocketPath(), testLogger(t))
			if err != nil {
				return
			}
			var reg v1.RegisterExecutorResult
			_ = conn.Call(context.Background(), v1.MethodRegisterExecutor, v1.RegisterExecutorParams{
				SessionToken: env[EnvSessionToken],
				SessionID:    env[EnvSessionID],
				TaskID:       "task-1",
			}, &reg, 2*time.Second)
		}()
		return nil, nil
	}

	task := &v1.Task{ID: "task-1", SessionID: "sess-1", Prompt: "say hello", PermissionMode: "plan"}
	require.NoError(t, p.SpawnFeathers(context.Background(), testSession(), task, "/tmp/wt-1"))

	inst, ok := p.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "alice", inst.UserID)

	assert.Contains(t, gotArgs, "--prompt")
	assert.Contains(t, gotArgs, "say hello")
	assert.Contains(t, gotArgs, "--daemon-url")
	assert.Contains(t, gotArgs, p.DaemonSocketPath())
	assert.Contains(t, gotArgs, "--permission-mode")
	assert.Contains(t, gotArgs, "plan")
}

func TestSpawnFeathersTimesOutWithoutRegistration(t *testing.T) {
	p, _ := newTestPool(t, &recordingSink{})
	startGate(t, p)

	p.startProcess = func(_ context.Context, _ string, _ []string, _ map[string]string) (*exec.Cmd, error) {
		return nil, nil // child never registers
	}

	err := p.SpawnFeathers(context.Background(), testSession(), &v1.Task{ID: "task-1", SessionID: "sess-1", Prompt: "say hello"}, "/tmp/wt-1")
	require.Error(t, err)
	_, ok := p.Get("sess-1")
	assert.False(t, ok)
}
