package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/events/bus"
	ws "github.com/13ty/agor-sub000/pkg/websocket"
)

// Bridge forwards daemon events from the event bus onto hub channels.
// Clients never touch the bus directly; the bridge is the only reader.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge between the event bus and the hub.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to the session and terminal wildcard subjects.
func (b *Bridge) Start() error {
	sessionSub, err := b.bus.Subscribe(events.BuildSessionWildcardSubject(), b.handleSessionEvent)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sessionSub)

	terminalSub, err := b.bus.Subscribe(events.BuildUserTerminalWildcardSubject(), b.handleTerminalEvent)
	if err != nil {
		b.Stop()
		return err
	}
	b.subs = append(b.subs, terminalSub)

	b.logger.Info("event bridge started")
	return nil
}

// Stop tears down the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	b.subs = nil
}

func (b *Bridge) handleSessionEvent(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	if sessionID == "" {
		b.logger.Warn("session event without session_id", zap.String("event_type", event.Type))
		return nil
	}

	msg, err := ws.NewNotification(ws.ActionSessionEvent, map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"session_id": sessionID,
		"timestamp":  event.Timestamp,
		"data":       event.Data,
	})
	if err != nil {
		return err
	}

	b.hub.BroadcastToChannel(SessionChannel(sessionID), msg)
	return nil
}

func (b *Bridge) handleTerminalEvent(ctx context.Context, event *bus.Event) error {
	userID, _ := event.Data["user_id"].(string)
	if userID == "" {
		b.logger.Warn("terminal event without user_id", zap.String("event_type", event.Type))
		return nil
	}

	msg, err := ws.NewNotification(ws.ActionTerminalOutput, event.Data)
	if err != nil {
		return err
	}

	b.hub.BroadcastToChannel(UserTerminalChannel(userID), msg)
	return nil
}
