package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// Lines can carry whole file contents inside tool_use blocks.
const maxLineSize = 10 * 1024 * 1024

// RequestHandler answers a control request. It must eventually call
// SendControlResponse with the same request ID.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control line from the CLI.
type MessageHandler func(msg *CLIMessage)

// Client drives one Claude Code CLI process over its stdin/stdout pipes.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu             sync.RWMutex
	requestHandler RequestHandler
	messageHandler MessageHandler

	stopOnce sync.Once
	done     chan struct{}
}

// NewClient wraps the CLI's pipes. Call Start to begin reading.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecode-client")),
		done:   make(chan struct{}),
	}
}

// SetRequestHandler installs the permission handler. Without one every
// control request is answered with an error.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler installs the stream handler.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start launches the read loop. The returned channel closes once the
// loop is consuming stdout.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop ends the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// SendUserMessage writes the prompt onto stdin.
func (c *Client) SendUserMessage(content string) error {
	return c.write(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// SendControlResponse answers a control request.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.write(resp)
}

func (c *Client) write(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg CLIMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("drop undecodable line", zap.Error(err))
			continue
		}
		c.dispatch(&msg)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout read failed", zap.Error(err))
	}
}

func (c *Client) dispatch(msg *CLIMessage) {
	c.mu.RLock()
	requestHandler := c.requestHandler
	messageHandler := c.messageHandler
	c.mu.RUnlock()

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		if requestHandler == nil {
			c.logger.Warn("control request with no handler",
				zap.String("request_id", msg.RequestID),
				zap.String("subtype", msg.Request.Subtype))
			if err := c.SendControlResponse(&ControlResponseMessage{
				Type:      MessageTypeControlResponse,
				RequestID: msg.RequestID,
				Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
			}); err != nil {
				c.logger.Warn("send error response failed", zap.Error(err))
			}
			return
		}
		requestHandler(msg.RequestID, msg.Request)
		return
	}

	if messageHandler != nil {
		messageHandler(msg)
	}
}
