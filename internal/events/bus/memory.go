package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// MemoryEventBus is the single-process bus used when no NATS URL is
// configured. Handlers run on their own goroutines so a slow websocket
// client never stalls the orchestrator.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler
	active  atomic.Bool
}

// NewMemoryEventBus returns an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
	}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Publish delivers the event to every active subscription whose pattern
// matches the subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var targets []*memorySubscription
	tokens := strings.Split(subject, ".")
	for _, sub := range b.subs {
		if sub.active.Load() && matchTokens(sub.tokens, tokens) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// matchTokens walks pattern and subject tokens together. "*" consumes
// exactly one token and ">" consumes the rest of the subject.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
