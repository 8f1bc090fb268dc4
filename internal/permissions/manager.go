// Package permissions brokers tool-use approvals between running agents
// and the humans watching their sessions.
package permissions

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// DefaultDecisionTimeout auto-denies any request left unresolved.
const DefaultDecisionTimeout = 60 * time.Second

// Denial reasons used by the broker itself.
const (
	ReasonTimeout   = "Timeout"
	ReasonCancelled = "Cancelled"
)

// Decision is the outcome delivered to a waiting tool adapter.
type Decision struct {
	Allow     bool               `json:"allow"`
	Reason    string             `json:"reason,omitempty"`
	Remember  bool               `json:"remember"`
	Scope     v1.PermissionScope `json:"scope"`
	DecidedBy string             `json:"decidedBy"`
}

type pending struct {
	sessionID string
	taskID    string
	ch        chan Decision
	timer     *time.Timer
}

// Manager owns every open permission decision across sessions. A request
// is registered once, resolved exactly once, and its channel receives a
// single Decision.
type Manager struct {
	mu      sync.Mutex
	open    map[string]*pending
	timeout time.Duration
	logger  *logger.Logger
}

// NewManager builds a broker with the given decision timeout; zero selects
// the default.
func NewManager(timeout time.Duration, log *logger.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	return &Manager{
		open:    make(map[string]*pending),
		timeout: timeout,
		logger:  log,
	}
}

// Register opens a decision slot for requestID and returns the channel the
// caller blocks on. The slot auto-denies with ReasonTimeout when the
// timeout elapses first.
func (m *Manager) Register(sessionID, taskID, requestID string) <-chan Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.open[requestID]; ok {
		return existing.ch
	}

	p := &pending{
		sessionID: sessionID,
		taskID:    taskID,
		ch:        make(chan Decision, 1),
	}
	p.timer = time.AfterFunc(m.timeout, func() {
		if m.Resolve(requestID, Decision{Allow: false, Reason: ReasonTimeout, Scope: v1.ScopeOnce}) {
			m.logger.Warn("permission request timed out",
				zap.String("session_id", sessionID),
				zap.String("request_id", requestID))
		}
	})
	m.open[requestID] = p
	return p.ch
}

// Resolve delivers a decision and closes the slot. It reports false when
// the request is unknown or already resolved. The first deny in a session
// cancels that session's other pending requests.
func (m *Manager) Resolve(requestID string, decision Decision) bool {
	m.mu.Lock()
	p, ok := m.open[requestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.open, requestID)

	var siblings []string
	if !decision.Allow && decision.Reason != ReasonCancelled {
		for id, other := range m.open {
			if other.sessionID == p.sessionID {
				siblings = append(siblings, id)
			}
		}
	}
	m.mu.Unlock()

	p.timer.Stop()
	p.ch <- decision

	for _, id := range siblings {
		m.Resolve(id, Decision{Allow: false, Reason: ReasonCancelled, Scope: v1.ScopeOnce})
	}
	return true
}

// CancelTask denies every pending request belonging to taskID. Used when
// the task itself is stopped.
func (m *Manager) CancelTask(taskID string) int {
	return m.cancel(func(p *pending) bool { return p.taskID == taskID })
}

// CancelSession denies every pending request belonging to sessionID.
func (m *Manager) CancelSession(sessionID string) int {
	return m.cancel(func(p *pending) bool { return p.sessionID == sessionID })
}

func (m *Manager) cancel(match func(*pending) bool) int {
	m.mu.Lock()
	var ids []string
	for id, p := range m.open {
		if match(p) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Resolve(id, Decision{Allow: false, Reason: ReasonCancelled, Scope: v1.ScopeOnce})
	}
	return len(ids)
}

// PendingCount reports how many decisions are open.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
