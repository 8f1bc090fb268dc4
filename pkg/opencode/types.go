// Package opencode talks to an OpenCode server: REST calls for session
// control plus a Server-Sent Events stream for output.
package opencode

import "encoding/json"

// Event types on the SSE stream.
const (
	SDKEventMessageUpdated     = "message.updated"
	SDKEventMessagePartUpdated = "message.part.updated"
	SDKEventPermissionAsked    = "permission.asked"
	SDKEventSessionIdle        = "session.idle"
	SDKEventSessionError       = "session.error"
)

// Message part types.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeTool      = "tool"
)

// Permission reply values.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// HealthResponse is returned by GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse is returned by POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// ModelSpec selects a provider/model pair for a prompt.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TextPartInput is one prompt part.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of POST /session/{id}/message.
type PromptRequest struct {
	Model   *ModelSpec      `json:"model,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Variant string          `json:"variant,omitempty"`
	Parts   []TextPartInput `json:"parts"`
}

// PermissionReplyRequest is the body of POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// SDKEventEnvelope wraps every SSE event; Properties depends on Type.
type SDKEventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties accompany message.updated.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo is the metadata of one message.
type MessageInfo struct {
	ID        string             `json:"id"`
	SessionID string             `json:"sessionID"`
	Role      string             `json:"role"` // user or assistant
	Tokens    *MessageTokensInfo `json:"tokens,omitempty"`
}

// MessageTokensInfo is the server's token accounting.
type MessageTokensInfo struct {
	Input  int                     `json:"input"`
	Output int                     `json:"output"`
	Cache  *MessageTokensCacheInfo `json:"cache,omitempty"`
}

// MessageTokensCacheInfo counts cache reads.
type MessageTokensCacheInfo struct {
	Read int `json:"read"`
}

// MessagePartUpdatedProperties accompany message.part.updated. Delta is
// set for incremental updates; otherwise Part.Text is cumulative.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// Part is one piece of a message.
type Part struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MessageID string `json:"messageID"`
	SessionID string `json:"sessionID"`
	Text      string `json:"text,omitempty"`
	CallID    string `json:"callID,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// PermissionAskedProperties accompany permission.asked.
type PermissionAskedProperties struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionErrorProperties accompany session.error.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *SDKError `json:"error,omitempty"`
}

// SDKError is the server's error shape. The message can live at the top
// level or nested under data.
type SDKError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage prefers the nested data message.
func (e *SDKError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}
