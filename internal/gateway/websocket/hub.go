// Package websocket is the fan-out gateway: it bridges daemon events onto
// channel-subscribed WebSocket clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
	ws "github.com/13ty/agor-sub000/pkg/websocket"
)

// Authorizer decides whether a user may subscribe to a channel.
type Authorizer func(ctx context.Context, userID, channel string) error

// Hub manages WebSocket clients and their channel subscriptions.
type Hub struct {
	clients map[*Client]bool

	// channelSubscribers maps a channel name to the clients on it.
	channelSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher
	authorizer Authorizer

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub. The authorizer gates every subscribe.
func NewHub(dispatcher *ws.Dispatcher, authorizer Authorizer, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		channelSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		dispatcher:         dispatcher,
		authorizer:         authorizer,
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID), zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channelSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for channel := range client.subscriptions {
			if clients, ok := h.channelSubscribers[channel]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.channelSubscribers, channel)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToChannel delivers a message to every client on the channel.
func (h *Hub) BroadcastToChannel(channel string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.channelSubscribers[channel]))
	for client := range h.channelSubscribers[channel] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

// Subscribe puts a client on a channel after authorization.
func (h *Hub) Subscribe(ctx context.Context, client *Client, channel string) error {
	if h.authorizer != nil {
		if err := h.authorizer(ctx, client.UserID, channel); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channelSubscribers[channel]; !ok {
		h.channelSubscribers[channel] = make(map[*Client]bool)
	}
	h.channelSubscribers[channel][client] = true
	client.subscriptions[channel] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("channel", channel))
	return nil
}

// Unsubscribe takes a client off a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, channel)
	if clients, ok := h.channelSubscribers[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channelSubscribers, channel)
		}
	}
}

// SubscriberCount reports how many clients sit on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelSubscribers[channel])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
