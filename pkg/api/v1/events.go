package v1

// Streaming event types published on session channels. All streaming and
// thinking events are ephemeral: they are fanned out to subscribers and
// never persisted.
const (
	EventStreamingStart = "streaming:start"
	EventStreamingChunk = "streaming:chunk"
	EventStreamingEnd   = "streaming:end"
	EventStreamingError = "streaming:error"

	EventThinkingStart = "thinking:start"
	EventThinkingChunk = "thinking:chunk"
	EventThinkingEnd   = "thinking:end"

	EventTaskStop            = "task_stop"
	EventTaskStopAck         = "task_stop_ack"
	EventTaskStoppedComplete = "task_stopped_complete"

	EventPermissionRequest  = "permission:request"
	EventPermissionResolved = "permission:resolved"

	// EventExecuteResult closes a self-driving run: the executor reports
	// its ExecutePromptResult instead of answering an execute_prompt call.
	EventExecuteResult = "execute_result"

	EventCursorMoved = "cursor-moved"
	EventCursorLeft  = "cursor-left"
)

// StreamingEvent is the payload of streaming:* and thinking:* events.
type StreamingEvent struct {
	MessageID string      `json:"message_id"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Role      MessageRole `json:"role"`
	Chunk     string      `json:"chunk,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// PermissionRequestEvent is fanned out to session subscribers when a tool
// adapter wants approval for a side-effectful action.
type PermissionRequestEvent struct {
	RequestID string                 `json:"requestId"`
	SessionID string                 `json:"session_id"`
	TaskID    string                 `json:"taskId"`
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}
