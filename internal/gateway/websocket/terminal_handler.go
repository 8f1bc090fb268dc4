package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/auth"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/events"
	"github.com/13ty/agor-sub000/internal/events/bus"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/terminal"
)

// TerminalHandler bridges dedicated binary WebSocket connections to
// PTY-backed user shells. Binary frames bypass the JSON envelope for
// xterm.js attach performance.
type TerminalHandler struct {
	terminals *terminal.Manager
	store     session.Store
	issuer    *auth.TokenIssuer
	eventBus  bus.EventBus
	logger    *logger.Logger
}

// NewTerminalHandler creates a terminal WebSocket handler.
func NewTerminalHandler(terminals *terminal.Manager, store session.Store, issuer *auth.TokenIssuer, eventBus bus.EventBus, log *logger.Logger) *TerminalHandler {
	return &TerminalHandler{
		terminals: terminals,
		store:     store,
		issuer:    issuer,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// terminalUpgrader uses larger buffers for TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket
// connections. This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header - allow (could be a non-browser client)
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	// Compare hosts ignoring the port. IPv6 hosts keep their brackets
	// until after the port is stripped.
	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// resizeCommandByte is the binary protocol marker for resize messages.
// First byte 0x01 indicates resize, followed by JSON {cols, rows}.
const resizeCommandByte = 0x01

// ResizePayload is the JSON payload for resize commands.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// wsWriter adapts a gorilla WebSocket to io.Writer with binary frames.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWsWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// echoWriter tees terminal output to the client and onto the user's
// terminal bus subject so channel subscribers see the same stream.
type echoWriter struct {
	ws         *wsWriter
	eventBus   bus.EventBus
	userID     string
	terminalID string
}

func (w *echoWriter) Write(p []byte) (int, error) {
	n, err := w.ws.Write(p)
	if err != nil {
		return n, err
	}
	if w.eventBus != nil {
		subject := events.BuildUserTerminalSubject(w.userID)
		_ = w.eventBus.Publish(context.Background(), subject, bus.NewEvent(events.TerminalOutput, "terminal", map[string]interface{}{
			"user_id":     w.userID,
			"terminal_id": w.terminalID,
			"data_b64":    base64.StdEncoding.EncodeToString(p),
		}))
	}
	return n, nil
}

// HandleTerminalWS serves /terminal connections. Query parameters:
// token (required), terminalId (required), worktreeId (optional; the
// shell starts in the worktree path and the caller must be an owner),
// shell (optional override).
func (h *TerminalHandler) HandleTerminalWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	claims, err := h.issuer.Verify(token)
	if err != nil || claims.Role != auth.RoleUser {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	terminalID := c.Query("terminalId")
	if terminalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "terminalId is required"})
		return
	}

	user, err := h.store.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}

	workDir := ""
	if worktreeID := c.Query("worktreeId"); worktreeID != "" {
		owner, err := h.store.IsWorktreeOwner(c.Request.Context(), worktreeID, user.ID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "worktree not found"})
			return
		}
		if !owner {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a worktree owner"})
			return
		}
		wt, err := h.store.GetWorktree(c.Request.Context(), worktreeID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "worktree not found"})
			return
		}
		workDir = wt.Path
	}

	unixUsername := ""
	if user.UnixUsername != nil {
		unixUsername = *user.UnixUsername
	}

	term, err := h.terminals.Ensure(c.Request.Context(), terminal.StartOptions{
		TerminalID:   terminalID,
		UserID:       user.ID,
		UnixUsername: unixUsername,
		WorkDir:      workDir,
		Shell:        c.Query("shell"),
	})
	if err != nil {
		h.logger.Error("failed to start terminal",
			zap.String("terminal_id", terminalID),
			zap.String("user_id", user.ID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to WebSocket",
			zap.String("terminal_id", terminalID),
			zap.Error(err))
		return
	}

	h.logger.Info("terminal WebSocket connected",
		zap.String("terminal_id", terminalID),
		zap.String("user_id", user.ID))

	h.runTerminalBridge(conn, term)
}

// runTerminalBridge pumps WebSocket frames into the PTY and PTY output
// back out until the client disconnects. The shell keeps running on
// disconnect so the client can reattach.
func (h *TerminalHandler) runTerminalBridge(conn *gorillaws.Conn, term *terminal.Terminal) {
	wsw := newWsWriter(conn)
	out := &echoWriter{ws: wsw, eventBus: h.eventBus, userID: term.UserID, terminalID: term.ID}

	defer func() {
		term.Detach(out)
		_ = wsw.Close()
		_ = conn.Close()
		h.logger.Info("terminal WebSocket disconnected (shell kept for reconnect)",
			zap.String("terminal_id", term.ID),
			zap.String("user_id", term.UserID))
	}()

	if err := term.Attach(out); err != nil {
		h.logger.Warn("failed to attach terminal output",
			zap.String("terminal_id", term.ID),
			zap.Error(err))
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				h.logger.Debug("WebSocket read error",
					zap.String("terminal_id", term.ID),
					zap.Error(err))
			}
			return
		}

		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if data[0] == resizeCommandByte {
			h.handleResize(term, data[1:])
			continue
		}

		if _, err := term.Write(data); err != nil {
			h.logger.Debug("PTY write error, shell likely exited",
				zap.String("terminal_id", term.ID),
				zap.Error(err))
			return
		}
	}
}

func (h *TerminalHandler) handleResize(term *terminal.Terminal, data []byte) {
	var resize ResizePayload
	if err := json.Unmarshal(data, &resize); err != nil {
		h.logger.Warn("failed to parse resize command",
			zap.String("terminal_id", term.ID),
			zap.Error(err))
		return
	}
	if resize.Cols == 0 || resize.Rows == 0 {
		h.logger.Warn("invalid resize dimensions",
			zap.String("terminal_id", term.ID),
			zap.Uint16("cols", resize.Cols),
			zap.Uint16("rows", resize.Rows))
		return
	}
	if err := term.Resize(resize.Cols, resize.Rows); err != nil {
		h.logger.Warn("failed to resize PTY",
			zap.String("terminal_id", term.ID),
			zap.Error(err))
	}
}
