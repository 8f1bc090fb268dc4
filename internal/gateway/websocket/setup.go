package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/terminal"
	ws "github.com/13ty/agor-sub000/pkg/websocket"
)

// Gateway bundles the WebSocket fan-out surface: the JSON event hub,
// the binary terminal bridge, and the bus-to-hub bridge.
type Gateway struct {
	Hub             *Hub
	Dispatcher      *ws.Dispatcher
	Handler         *Handler
	TerminalHandler *TerminalHandler
	Bridge          *Bridge
	logger          *logger.Logger
}

// Deps are the services the gateway needs from the daemon.
type Deps struct {
	Issuer     *auth.TokenIssuer
	Store      session.Store
	EventBus   bus.EventBus
	Terminals  *terminal.Manager
	Authorizer Authorizer
}

// NewGateway creates a WebSocket gateway with all components initialized.
func NewGateway(deps Deps, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, deps.Authorizer, log)
	handler := NewHandler(hub, deps.Issuer, log)
	terminalHandler := NewTerminalHandler(deps.Terminals, deps.Store, deps.Issuer, deps.EventBus, log)
	bridge := NewBridge(hub, deps.EventBus, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:             hub,
		Dispatcher:      dispatcher,
		Handler:         handler,
		TerminalHandler: terminalHandler,
		Bridge:          bridge,
		logger:          log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
	router.GET("/terminal", g.TerminalHandler.HandleTerminalWS)
}
