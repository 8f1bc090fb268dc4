// Package stop drives the acknowledged task stop protocol: retried stop
// notifications, ack matching, bounded unwind, and a force kill when the
// executor never answers.
package stop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/session"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
	"github.com/13ty/agor-sub000/pkg/jsonrpc"
)

// stopAttempts is how many times the stop notification is re-sent before
// the executor is declared unresponsive.
const stopAttempts = 3

// Notifier abstracts the executor connection the stop travels over.
type Notifier interface {
	Notify(method string, params any) error
}

// Killer force-terminates an executor when the protocol fails.
type Killer interface {
	Shutdown(ctx context.Context, sessionID string, grace time.Duration) error
}

// Reasons reported with the stopped transition when the protocol had to
// take a safety-net path.
const (
	reasonNoAck           = "executor did not acknowledge"
	reasonCompleteTimeout = "stop completion timed out"
)

type pendingStop struct {
	sessionID string
	taskID    string
	acks      chan v1.TaskStopAck
	complete  chan struct{}
}

// Controller owns in-flight stops, one per task.
type Controller struct {
	store    session.Store
	eventBus bus.EventBus
	killer   Killer
	limits   config.LimitsConfig
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingStop
}

// NewController builds a stop controller.
func NewController(store session.Store, eventBus bus.EventBus, killer Killer, limits config.LimitsConfig, log *logger.Logger) *Controller {
	return &Controller{
		store:    store,
		eventBus: eventBus,
		killer:   killer,
		limits:   limits,
		logger:   log.WithFields(zap.String("component", "stop")),
		pending:  make(map[string]*pendingStop),
	}
}

// HandleAck routes a task_stop_ack reported by an executor. Unmatched acks
// are dropped; they belong to a stop that already gave up.
func (c *Controller) HandleAck(ack v1.TaskStopAck) {
	c.mu.Lock()
	p, ok := c.pending[ack.TaskID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for no pending stop", zap.String("task_id", ack.TaskID))
		return
	}
	select {
	case p.acks <- ack:
	default:
	}
}

// HandleComplete routes a task_stopped_complete event. Both ids must
// match the pending stop; a frame from another session never unwinds it.
func (c *Controller) HandleComplete(ev v1.TaskStoppedComplete) {
	c.mu.Lock()
	p, ok := c.pending[ev.TaskID]
	c.mu.Unlock()
	if !ok || ev.SessionID != p.sessionID {
		return
	}
	select {
	case <-p.complete:
	default:
		close(p.complete)
	}
}

// Stop runs the full protocol for the session's active task and finalizes
// state regardless of how the executor behaved. A second Stop for the same
// task returns CONFLICT while the first is in flight.
func (c *Controller) Stop(ctx context.Context, sess *v1.Session, task *v1.Task, conn Notifier) error {
	c.mu.Lock()
	if _, exists := c.pending[task.ID]; exists {
		c.mu.Unlock()
		return apperrors.Conflict("stop already in progress for this task")
	}
	p := &pendingStop{
		sessionID: sess.ID,
		taskID:    task.ID,
		acks:      make(chan v1.TaskStopAck, stopAttempts),
		complete:  make(chan struct{}),
	}
	c.pending[task.ID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, task.ID)
		c.mu.Unlock()
	}()

	if err := c.store.SetTaskStatus(ctx, task.ID, v1.TaskStatusStopping, "", ""); err != nil {
		return err
	}
	if err := c.store.SetSessionStatus(ctx, sess.ID, v1.SessionStatusStopping); err != nil {
		return err
	}
	c.publish(ctx, sess.ID, events.TaskStatusChanged, map[string]interface{}{
		"task_id": task.ID,
		"status":  string(v1.TaskStatusStopping),
	})

	ack, err := c.awaitAck(ctx, sess.ID, task.ID, conn, p)
	if err != nil {
		// No ack after every retry: the executor is gone or wedged.
		c.logger.Warn("stop unacknowledged, killing executor",
			zap.String("session_id", sess.ID), zap.String("task_id", task.ID))
		_ = c.killer.Shutdown(ctx, sess.ID, 0)
		return c.finalize(ctx, sess.ID, task.ID, reasonNoAck)
	}

	if ack.Status == v1.StopAckAlreadyStopped {
		return c.finalize(ctx, sess.ID, task.ID, "")
	}

	reason := ""
	select {
	case <-p.complete:
	case <-time.After(c.limits.StopCompleteDuration()):
		c.logger.Warn("stop unwind overran, killing executor",
			zap.String("session_id", sess.ID), zap.String("task_id", task.ID))
		_ = c.killer.Shutdown(ctx, sess.ID, 0)
		reason = reasonCompleteTimeout
	case <-ctx.Done():
		_ = c.killer.Shutdown(context.WithoutCancel(ctx), sess.ID, 0)
		reason = reasonCompleteTimeout
	}
	return c.finalize(ctx, sess.ID, task.ID, reason)
}

// awaitAck sends the stop notification up to stopAttempts times and waits
// for an ack carrying the matching sequence.
func (c *Controller) awaitAck(ctx context.Context, sessionID, taskID string, conn Notifier, p *pendingStop) (*v1.TaskStopAck, error) {
	for seq := 1; seq <= stopAttempts; seq++ {
		err := conn.Notify(v1.MethodTaskStop, v1.TaskStopParams{
			SessionID: sessionID,
			TaskID:    taskID,
			Sequence:  seq,
			Timestamp: time.Now().UnixMilli(),
		})
		if errors.Is(err, jsonrpc.ErrConnectionClosed) {
			return nil, apperrors.TransportClosed("executor connection closed during stop")
		}
		if err != nil {
			c.logger.Warn("stop notify failed", zap.Int("sequence", seq), zap.Error(err))
		}

		timer := time.NewTimer(c.limits.StopAckDuration())
		waiting := true
		for waiting {
			select {
			case ack := <-p.acks:
				// Acks pair with the exact attempt they answer; a stale
				// frame from an earlier retry keeps this attempt waiting.
				if ack.TaskID == taskID && ack.Sequence == seq {
					timer.Stop()
					return &ack, nil
				}
			case <-timer.C:
				waiting = false
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	return nil, apperrors.ExecutorUnresponsive("stop never acknowledged")
}

// finalize records the terminal task state and parks the session. The
// session never advances to the next queued prompt off the back of a stop.
func (c *Controller) finalize(ctx context.Context, sessionID, taskID, reason string) error {
	if err := c.store.SetTaskStatus(ctx, taskID, v1.TaskStatusStopped, "", ""); err != nil {
		return err
	}
	data := map[string]interface{}{
		"task_id": taskID,
		"status":  string(v1.TaskStatusStopped),
	}
	if reason != "" {
		data["reason"] = reason
	}
	c.publish(ctx, sessionID, events.TaskStatusChanged, data)

	// The session may have left STOPPING while a safety-net path unwound,
	// meaning a new task already claimed it. The old task is stopped
	// either way, but the session is no longer this stop's to park.
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != v1.SessionStatusStopping {
		c.logger.Warn("task force-stopped but session already moved on",
			zap.String("session_id", sessionID), zap.String("task_id", taskID),
			zap.String("session_status", string(sess.Status)))
		return nil
	}

	if err := c.store.SetSessionStatus(ctx, sessionID, v1.SessionStatusIdle); err != nil {
		return err
	}
	if err := c.store.SetReadyForPrompt(ctx, sessionID, false); err != nil {
		return err
	}
	c.publish(ctx, sessionID, events.SessionStatusChanged, map[string]interface{}{
		"session_id":       sessionID,
		"status":           string(v1.SessionStatusIdle),
		"ready_for_prompt": false,
	})
	return nil
}

func (c *Controller) publish(ctx context.Context, sessionID, eventType string, data map[string]interface{}) {
	subject := events.BuildSessionSubject(sessionID)
	if _, ok := data["session_id"]; !ok {
		data["session_id"] = sessionID
	}
	if err := c.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		c.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
