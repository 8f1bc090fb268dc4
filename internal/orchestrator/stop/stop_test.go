package stop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/session"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeNotifier records task_stop notifications and feeds scripted
// responses back into the controller.
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []v1.TaskStopParams
	onTop func(params v1.TaskStopParams)
}

func (f *fakeNotifier) Notify(_ string, params any) error {
	stop, ok := params.(v1.TaskStopParams)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.sent = append(f.sent, stop)
	f.mu.Unlock()
	if f.onTop != nil {
		go f.onTop(stop)
	}
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
}

func (f *fakeKiller) Shutdown(_ context.Context, sessionID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return nil
}

func (f *fakeKiller) killedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func fixture(t *testing.T) (*Controller, session.Store, *fakeKiller, *v1.Session, *v1.Task) {
	t.Helper()
	store := session.NewMemoryStore()
	ctx := context.Background()

	sess := &v1.Session{ID: "sess-1", WorktreeID: "wt-1", CreatedBy: "alice", AgenticTool: v1.ToolClaudeCode, Status: v1.SessionStatusRunning}
	require.NoError(t, store.CreateSession(ctx, sess))
	task := &v1.Task{ID: "task-1", SessionID: "sess-1", Prompt: "do it", Status: v1.TaskStatusRunning}
	require.NoError(t, store.CreateTask(ctx, task))

	killer := &fakeKiller{}
	limits := config.LimitsConfig{
		RPCTimeout:          1,
		SocketWaitTimeout:   1,
		StopAckTimeout:      1,
		StopCompleteTimeout: 1,
		PermissionTimeout:   1,
	}
	c := NewController(store, bus.NewMemoryEventBus(testLogger(t)), killer, limits, testLogger(t))
	return c, store, killer, sess, task
}

func TestStopHappyPath(t *testing.T) {
	c, store, killer, sess, task := fixture(t)

	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			Sequence:  params.Sequence,
			Status:    v1.StopAckStopping,
		})
		time.Sleep(20 * time.Millisecond)
		c.HandleComplete(v1.TaskStoppedComplete{SessionID: params.SessionID, TaskID: params.TaskID})
	}

	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))

	stopped, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusStopped, stopped.Status)

	final, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusIdle, final.Status)
	assert.False(t, final.ReadyForPrompt)

	assert.Equal(t, 1, notifier.count())
	assert.Zero(t, killer.killedCount())
}

func TestStopRetriesThenKills(t *testing.T) {
	c, store, killer, sess, task := fixture(t)

	// Executor never acks.
	notifier := &fakeNotifier{}
	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))

	assert.Equal(t, stopAttempts, notifier.count())
	assert.Equal(t, 1, killer.killedCount())

	stopped, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusStopped, stopped.Status)
}

func TestStopAlreadyStoppedSkipsUnwindWait(t *testing.T) {
	c, store, killer, sess, task := fixture(t)

	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			Sequence:  params.Sequence,
			Status:    v1.StopAckAlreadyStopped,
		})
	}

	start := time.Now()
	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	// No complete event was ever sent; already_stopped must not wait for one.
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Zero(t, killer.killedCount())

	final, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusIdle, final.Status)
}

func TestStopCompleteTimeoutKills(t *testing.T) {
	c, _, killer, sess, task := fixture(t)

	// Acks but never completes.
	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			Sequence:  params.Sequence,
			Status:    v1.StopAckStopping,
		})
	}

	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	assert.Equal(t, 1, killer.killedCount())
}

func TestConcurrentStopRejected(t *testing.T) {
	c, _, _, sess, task := fixture(t)

	blocker := &fakeNotifier{}
	started := make(chan struct{})
	blocker.onTop = func(params v1.TaskStopParams) {
		close(started)
		// Never ack on the first attempt; the test only needs Stop to be
		// in flight while the second call arrives.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.Stop(context.Background(), sess, task, blocker) }()
	<-started

	err := c.Stop(context.Background(), sess, task, &fakeNotifier{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))

	require.NoError(t, <-errCh)
}

func TestAckSequenceMustMatchAttempt(t *testing.T) {
	c, _, killer, sess, task := fixture(t)

	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		// Right task, wrong sequence. The protocol pairs acks with the
		// attempt they answer, so this never satisfies it.
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			Sequence:  params.Sequence + 1,
			Status:    v1.StopAckStopping,
		})
	}

	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	assert.Equal(t, stopAttempts, notifier.count())
	assert.Equal(t, 1, killer.killedCount())
}

func TestCompleteFromOtherSessionIgnored(t *testing.T) {
	c, _, killer, sess, task := fixture(t)

	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    params.TaskID,
			Sequence:  params.Sequence,
			Status:    v1.StopAckStopping,
		})
		c.HandleComplete(v1.TaskStoppedComplete{SessionID: "sess-other", TaskID: params.TaskID})
	}

	// The mismatched complete never unwinds the stop; the timeout safety
	// net has to fire instead.
	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	assert.Equal(t, 1, killer.killedCount())
}

func TestForceStopLeavesMovedOnSessionAlone(t *testing.T) {
	c, store, killer, sess, task := fixture(t)

	// While the unacknowledged stop is retrying, a new task claims the
	// session. The safety net must still stop the old task but may not
	// park the session under the new one.
	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		_ = store.SetSessionStatus(context.Background(), params.SessionID, v1.SessionStatusRunning)
	}

	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	assert.Equal(t, 1, killer.killedCount())

	stopped, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusStopped, stopped.Status)

	final, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, final.Status)
}

func TestUnmatchedAckIgnored(t *testing.T) {
	c, _, killer, sess, task := fixture(t)

	notifier := &fakeNotifier{}
	notifier.onTop = func(params v1.TaskStopParams) {
		// Ack for a different task never satisfies the protocol.
		c.HandleAck(v1.TaskStopAck{
			SessionID: params.SessionID,
			TaskID:    "task-other",
			Sequence:  params.Sequence,
			Status:    v1.StopAckStopping,
		})
	}

	require.NoError(t, c.Stop(context.Background(), sess, task, notifier))
	assert.Equal(t, 1, killer.killedCount())
}
