package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// DefaultCallTimeout bounds a Call when the caller does not override it.
const DefaultCallTimeout = 30 * time.Second

// maxFrameSize bounds a single newline-delimited frame. Streaming chunks
// are small; this exists to stop a corrupt peer from ballooning memory.
const maxFrameSize = 10 * 1024 * 1024

// Handler serves one method. The returned value is marshaled as the
// result; a returned error becomes a -32000 response. Handlers invoked
// for notifications have their return values discarded.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Conn is one symmetric JSON-RPC connection. Both peers may call,
// notify, and serve methods concurrently.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger *logger.Logger

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn wraps a stream in a connection. Serve must be called to start
// the read loop.
func NewConn(rwc io.ReadWriteCloser, log *logger.Logger) *Conn {
	return &Conn{
		rwc:      rwc,
		logger:   log.WithFields(zap.String("component", "jsonrpc")),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan *Message),
		closed:   make(chan struct{}),
	}
}

// Handle registers a method handler. Registering after Serve started is
// safe; re-registering replaces the previous handler.
func (c *Conn) Handle(method string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// Serve reads frames until the stream ends, dispatching each in its own
// goroutine. It returns when the connection closes; pending calls are
// drained with ErrConnectionClosed.
func (c *Conn) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("dropping unparseable frame", zap.Error(err))
			continue
		}
		switch {
		case msg.IsResponse():
			c.resolve(&msg)
		case msg.IsRequest(), msg.IsNotification():
			go c.dispatch(ctx, &msg)
		default:
			c.logger.Warn("dropping malformed frame")
		}
	}

	err := scanner.Err()
	c.close(err)
	return err
}

// Call issues a request and blocks until the peer responds, the timeout
// elapses, ctx is done, or the connection closes. A zero timeout means
// DefaultCallTimeout. result may be nil to discard the payload.
func (c *Conn) Call(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := uuid.NewString()
	ch := make(chan *Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	if err := c.write(&Message{JSONRPC: Version, ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			// Channel closed by connection teardown.
			return ErrConnectionClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("call %s: timeout after %s", method, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(&Message{JSONRPC: Version, Method: method, Params: raw})
}

// Close tears the connection down and fails all pending calls.
func (c *Conn) Close() error {
	c.close(nil)
	return c.rwc.Close()
}

// Closed is closed when the connection is no longer usable.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.rwc.Close()

		// Drain the pending table so no caller hangs.
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.pendingMu.Unlock()
	})
}

func (c *Conn) resolve(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown id", zap.String("id", msg.ID))
		return
	}
	ch <- msg
}

func (c *Conn) dispatch(ctx context.Context, msg *Message) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Method]
	c.handlersMu.RUnlock()

	if !ok {
		if msg.IsRequest() {
			c.respondError(msg.ID, &Error{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("Unknown method: %s", msg.Method),
			})
		} else {
			c.logger.Warn("notification for unknown method", zap.String("method", msg.Method))
		}
		return
	}

	result, err := c.invoke(ctx, handler, msg)

	// Notifications never get a response, success or failure.
	if !msg.IsRequest() {
		if err != nil {
			c.logger.Warn("notification handler failed",
				zap.String("method", msg.Method), zap.Error(err))
		}
		return
	}

	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			c.respondError(msg.ID, rpcErr)
		} else {
			c.respondError(msg.ID, newHandlerError(err, ""))
		}
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(msg.ID, &Error{Code: CodeInternalError, Message: err.Error()})
		return
	}
	if err := c.write(&Message{JSONRPC: Version, ID: msg.ID, Result: raw}); err != nil {
		c.logger.Warn("failed to write response", zap.String("method", msg.Method), zap.Error(err))
	}
}

// invoke runs a handler with panic containment. A panicking handler
// yields a -32000 error carrying the stack instead of killing the
// process.
func (c *Conn) invoke(ctx context.Context, handler Handler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			c.logger.Error("handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r),
				zap.String("stack", stack))
			err = newHandlerError(fmt.Errorf("handler panic: %v", r), stack)
		}
	}()
	return handler(ctx, msg.Params)
}

func (c *Conn) respondError(id string, rpcErr *Error) {
	if err := c.write(&Message{JSONRPC: Version, ID: id, Error: rpcErr}); err != nil {
		c.logger.Warn("failed to write error response", zap.Error(err))
	}
}

// write serializes one frame followed by a newline. Writes are
// serialized so concurrent callers never interleave frames.
func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	_, err = c.rwc.Write(data)
	return err
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
