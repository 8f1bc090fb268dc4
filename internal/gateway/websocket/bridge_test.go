package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/events/bus"
	ws "github.com/13ty/agor-sub000/pkg/websocket"
)

func receiveNotification(t *testing.T, client *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-client.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return nil
	}
}

func TestBridgeForwardsSessionEvents(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(ws.NewDispatcher(), allowAll, log)
	bridge := NewBridge(hub, eventBus, log)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	client := newTestClient("c1", "user-1")
	require.NoError(t, hub.Subscribe(context.Background(), client, SessionChannel("sess-1")))

	err := eventBus.Publish(context.Background(),
		events.BuildSessionSubject("sess-1"),
		bus.NewEvent(events.TaskCreated, "runner", map[string]interface{}{
			"session_id": "sess-1",
			"task_id":    "task-1",
		}))
	require.NoError(t, err)

	msg := receiveNotification(t, client)
	assert.Equal(t, ws.ActionSessionEvent, msg.Action)

	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, events.TaskCreated, payload["event_type"])
	assert.Equal(t, "sess-1", payload["session_id"])
}

func TestBridgeIgnoresEventsWithoutSessionID(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(ws.NewDispatcher(), allowAll, log)
	bridge := NewBridge(hub, eventBus, log)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	client := newTestClient("c1", "user-1")
	require.NoError(t, hub.Subscribe(context.Background(), client, SessionChannel("sess-1")))

	err := eventBus.Publish(context.Background(),
		events.BuildSessionSubject("sess-1"),
		bus.NewEvent(events.TaskCreated, "runner", map[string]interface{}{}))
	require.NoError(t, err)

	select {
	case <-client.send:
		t.Fatal("event without session_id should not be forwarded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBridgeForwardsTerminalOutput(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(ws.NewDispatcher(), allowAll, log)
	bridge := NewBridge(hub, eventBus, log)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	client := newTestClient("c1", "user-1")
	require.NoError(t, hub.Subscribe(context.Background(), client, UserTerminalChannel("user-1")))

	err := eventBus.Publish(context.Background(),
		events.BuildUserTerminalSubject("user-1"),
		bus.NewEvent(events.TerminalOutput, "terminal", map[string]interface{}{
			"user_id":     "user-1",
			"terminal_id": "term-1",
			"data_b64":    "aGVsbG8=",
		}))
	require.NoError(t, err)

	msg := receiveNotification(t, client)
	assert.Equal(t, ws.ActionTerminalOutput, msg.Action)

	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "term-1", payload["terminal_id"])
	assert.Equal(t, "aGVsbG8=", payload["data_b64"])
}
