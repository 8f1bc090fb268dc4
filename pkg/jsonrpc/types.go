// Package jsonrpc implements symmetric newline-delimited JSON-RPC 2.0
// over a stream, typically a unix domain socket. Either peer may issue
// requests, responses, and notifications over the same connection.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version stamped on every message.
const Version = "2.0"

// Error codes.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeHandlerError   = -32000
)

// ErrConnectionClosed resolves every pending call when the peer goes away.
var ErrConnectionClosed = errors.New("connection closed")

// Message is the single wire frame. A request carries id+method, a
// response carries id+result or id+error, a notification carries method
// with no id.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != "" }

// IsNotification reports whether the frame is fire-and-forget.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == "" }

// IsResponse reports whether the frame answers a pending request.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != "" }

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// errorData carries the handler stack trace in the error's data field.
type errorData struct {
	Stack string `json:"stack,omitempty"`
}

func newHandlerError(err error, stack string) *Error {
	data, _ := json.Marshal(errorData{Stack: stack})
	return &Error{Code: CodeHandlerError, Message: err.Error(), Data: data}
}
