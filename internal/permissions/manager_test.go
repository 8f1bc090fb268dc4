package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

func testManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewManager(timeout, log)
}

func TestResolveDeliversDecision(t *testing.T) {
	m := testManager(t, time.Minute)

	ch := m.Register("sess-1", "task-1", "req-1")
	ok := m.Resolve("req-1", Decision{Allow: true, Remember: true, Scope: v1.ScopeSession, DecidedBy: "alice"})
	assert.True(t, ok)

	decision := <-ch
	assert.True(t, decision.Allow)
	assert.True(t, decision.Remember)
	assert.Equal(t, v1.ScopeSession, decision.Scope)
	assert.Equal(t, "alice", decision.DecidedBy)
	assert.Zero(t, m.PendingCount())
}

func TestResolveUnknownRequest(t *testing.T) {
	m := testManager(t, time.Minute)
	assert.False(t, m.Resolve("missing", Decision{Allow: true}))
}

func TestResolveIsOnce(t *testing.T) {
	m := testManager(t, time.Minute)
	m.Register("sess-1", "task-1", "req-1")

	require.True(t, m.Resolve("req-1", Decision{Allow: true}))
	assert.False(t, m.Resolve("req-1", Decision{Allow: false}))
}

func TestTimeoutAutoDenies(t *testing.T) {
	m := testManager(t, 20*time.Millisecond)

	ch := m.Register("sess-1", "task-1", "req-1")
	select {
	case decision := <-ch:
		assert.False(t, decision.Allow)
		assert.Equal(t, ReasonTimeout, decision.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out request was never denied")
	}
}

func TestFirstDenyCancelsSessionSiblings(t *testing.T) {
	m := testManager(t, time.Minute)

	a := m.Register("sess-1", "task-1", "req-a")
	b := m.Register("sess-1", "task-1", "req-b")
	other := m.Register("sess-2", "task-9", "req-other")

	require.True(t, m.Resolve("req-a", Decision{Allow: false, Reason: "operator denied"}))

	da := <-a
	assert.False(t, da.Allow)
	assert.Equal(t, "operator denied", da.Reason)

	db := <-b
	assert.False(t, db.Allow)
	assert.Equal(t, ReasonCancelled, db.Reason)

	// Other sessions are untouched.
	select {
	case <-other:
		t.Fatal("unrelated session request was cancelled")
	default:
	}
	assert.Equal(t, 1, m.PendingCount())
}

func TestAllowDoesNotCancelSiblings(t *testing.T) {
	m := testManager(t, time.Minute)

	m.Register("sess-1", "task-1", "req-a")
	b := m.Register("sess-1", "task-1", "req-b")

	require.True(t, m.Resolve("req-a", Decision{Allow: true}))
	select {
	case <-b:
		t.Fatal("sibling cancelled by an allow")
	default:
	}
	assert.Equal(t, 1, m.PendingCount())
}

func TestCancelTask(t *testing.T) {
	m := testManager(t, time.Minute)

	a := m.Register("sess-1", "task-1", "req-a")
	b := m.Register("sess-1", "task-1", "req-b")
	keep := m.Register("sess-1", "task-2", "req-keep")

	assert.Equal(t, 2, m.CancelTask("task-1"))
	assert.Equal(t, ReasonCancelled, (<-a).Reason)
	assert.Equal(t, ReasonCancelled, (<-b).Reason)

	select {
	case <-keep:
		t.Fatal("other task's request was cancelled")
	default:
	}
}

func TestCancelSession(t *testing.T) {
	m := testManager(t, time.Minute)

	m.Register("sess-1", "task-1", "req-a")
	m.Register("sess-1", "task-2", "req-b")
	m.Register("sess-2", "task-3", "req-c")

	assert.Equal(t, 2, m.CancelSession("sess-1"))
	assert.Equal(t, 1, m.PendingCount())
}

func TestRegisterIsIdempotentPerRequestID(t *testing.T) {
	m := testManager(t, time.Minute)

	a := m.Register("sess-1", "task-1", "req-1")
	b := m.Register("sess-1", "task-1", "req-1")
	assert.Equal(t, 1, m.PendingCount())

	require.True(t, m.Resolve("req-1", Decision{Allow: true}))
	assert.True(t, (<-a).Allow)
	select {
	case <-b:
		t.Fatal("channel drained twice")
	default:
	}
}
