package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/common/logger"
	ws "github.com/13ty/agor-sub000/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// Handler upgrades authenticated HTTP requests to WebSocket connections.
type Handler struct {
	hub    *Hub
	issuer *auth.TokenIssuer
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, issuer *auth.TokenIssuer, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		issuer: issuer,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection verifies the caller's token, upgrades, and runs the
// connection pumps. The token travels as a query parameter because
// browsers cannot set headers on WebSocket handshakes.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	claims, err := h.issuer.Verify(token)
	if err != nil || claims.Role != auth.RoleUser {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, claims.UserID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agor",
		})
	})
}
