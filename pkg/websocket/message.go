// Package websocket defines the wire envelope spoken on the daemon's
// WebSocket endpoint and the action dispatcher behind it. Clients send
// request envelopes; the server answers with a response or error
// envelope carrying the same id, and pushes notifications with no id.
package websocket

import (
	"encoding/json"
	"time"
)

// Envelope type values carried in Message.Type.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Message is the envelope for every frame in either direction.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParsePayload unmarshals the payload into v. A missing payload is not
// an error.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func newMessage(id, msgType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      msgType,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds the reply to the request carrying id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, TypeResponse, action, payload)
}

// NewNotification builds a server push. Notifications carry no id.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", TypeNotification, action, payload)
}

// NewError builds an error reply. Code is one of the ErrorCode
// constants; details are optional extra context for the client.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(id, TypeError, action, errorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

type errorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
