// Package claudecode speaks the Claude Code CLI stream-json protocol:
// newline-delimited JSON over stdin/stdout, with control requests for
// tool permissions.
package claudecode

import "encoding/json"

// Message types on the stream.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
	MessageTypeUser            = "user"
)

// SubtypeCanUseTool marks a permission request for a tool call.
const SubtypeCanUseTool = "can_use_tool"

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage is one line from the CLI's stdout. Which fields are set
// depends on Type.
type CLIMessage struct {
	Type string `json:"type"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// result. Result is a string for errors and an object otherwise.
	Result            json.RawMessage `json:"result,omitempty"`
	Subtype           string          `json:"subtype,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
}

// GetResultString decodes Result when it carries an error string.
func (m *CLIMessage) GetResultString() string {
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage holds one assistant turn.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one piece of an assistant turn. Type selects the field.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage is the CLI's token accounting for a turn.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ControlRequest is a request from the CLI that blocks the run until
// answered, currently only can_use_tool.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a ControlRequest over stdin.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse carries either a permission result or an error.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success or error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult is the verdict on a can_use_tool request. Message is
// surfaced to the model on deny.
type PermissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// UserMessage delivers the prompt.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt payload.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
