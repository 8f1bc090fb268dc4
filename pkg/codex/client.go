package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// NotificationHandler receives server notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server-initiated requests (approvals). It must
// answer with SendResponse using the same id.
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// Client drives one Codex app-server process over its stdio pipes.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Response

	onNotification NotificationHandler
	onRequest      RequestHandler

	stopOnce sync.Once
	done     chan struct{}
}

// NewClient wraps the app server's pipes. Call Start to begin reading.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "codex-client")),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler installs the notification handler. Set before Start.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler installs the approval handler. Without one every
// server request is answered MethodNotFound.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start launches the read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop ends the read loop and fails pending calls. Safe to call twice.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.nextID.Add(1)
	payload, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(&Request{ID: id, Method: method, Params: payload}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params interface{}) error {
	payload, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(&Notification{Method: method, Params: payload})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var payload json.RawMessage
	if result != nil && respErr == nil {
		var err error
		if payload, err = json.Marshal(result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	return c.write(&Response{ID: id, Result: payload, Error: respErr})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return payload, nil
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

// frame is the superset of everything the app server emits on one line.
type frame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

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

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("drop undecodable line", zap.Error(err))
			continue
		}

		switch {
		case f.ID != nil && f.Method == "":
			c.settle(&Response{ID: f.ID, Result: f.Result, Error: f.Error})
		case f.ID != nil:
			c.handleRequest(f.ID, f.Method, f.Params)
		case f.Method != "":
			if c.onNotification != nil {
				c.onNotification(f.Method, f.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout read failed", zap.Error(err))
	}
}

// settle routes a response to the waiting Call. JSON numbers decode as
// float64, so the id needs converting back to the int64 key.
func (c *Client) settle(resp *Response) {
	num, ok := resp.ID.(float64)
	if !ok {
		c.logger.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[int64(num)]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest == nil {
		c.logger.Warn("server request with no handler", zap.String("method", method))
		if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
			c.logger.Warn("send error response failed", zap.Error(err))
		}
		return
	}
	c.onRequest(id, method, params)
}
