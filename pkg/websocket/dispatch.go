package websocket

import "context"

// HandlerFunc processes one request envelope and returns the reply.
// Returning an error makes the connection layer send an internal error
// envelope instead.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request envelopes to handlers by action. Handlers
// are registered during setup; Dispatch may then be called from any
// goroutine.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc binds a handler to an action, replacing any previous one.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch runs the handler for msg.Action. Unknown actions get an
// error envelope, not a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}
