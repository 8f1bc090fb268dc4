package v1

// JSON-RPC methods exchanged between the orchestrator and an executor.
// Requests expect a response; notifications do not.
const (
	// Executor-hosted requests (orchestrator -> executor).
	MethodPing          = "ping"
	MethodExecutePrompt = "execute_prompt"
	MethodShutdown      = "shutdown"

	// Orchestrator-hosted requests (executor -> orchestrator).
	MethodGetAPIKey         = "get_api_key"
	MethodRequestPermission = "request_permission"
	MethodRegisterExecutor  = "register_executor"

	// Notifications (executor -> orchestrator).
	MethodReportMessage = "report_message"
	MethodDaemonCommand = "daemon_command"

	// Notifications (orchestrator -> executor).
	MethodPermissionResolved = "permission_resolved"
	MethodTaskStop           = "task_stop"
)

// Daemon commands carried inside daemon_command notifications.
const (
	CommandCreateMessage       = "create_message"
	CommandUpdateSession       = "update_session"
	CommandUpdateTask          = "update_task"
	CommandGetMessages         = "get_messages"
	CommandGetSession          = "get_session"
	CommandStreamStart         = "stream_start"
	CommandStreamChunk         = "stream_chunk"
	CommandThinkingStart       = "thinking_start"
	CommandThinkingChunk       = "thinking_chunk"
	CommandThinkingEnd         = "thinking_end"
	CommandEmitPermissionEvent = "emit_permission_event"
)

// PingResult is the response to a ping request.
type PingResult struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}

// GetAPIKeyParams requests a credential for the executor's session.
type GetAPIKeyParams struct {
	SessionToken  string `json:"session_token"`
	CredentialKey string `json:"credential_key"`
}

// GetAPIKeyResult carries the released credential.
type GetAPIKeyResult struct {
	APIKey string `json:"api_key"`
}

// RequestPermissionParams asks the orchestrator to approve a tool use.
type RequestPermissionParams struct {
	SessionToken string                 `json:"session_token"`
	TaskID       string                 `json:"task_id"`
	ToolName     string                 `json:"tool_name"`
	ToolParams   map[string]interface{} `json:"tool_params,omitempty"`
}

// RequestPermissionResult is the orchestrator's decision.
type RequestPermissionResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// RegisterExecutorParams announces a self-driving executor on the daemon
// socket. The token binds the connection to one session.
type RegisterExecutorParams struct {
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	TaskID       string `json:"task_id"`
}

// RegisterExecutorResult acknowledges the registration.
type RegisterExecutorResult struct {
	ExecutorID string `json:"executor_id"`
}

// ExecutePromptParams starts the single run an executor exists for.
type ExecutePromptParams struct {
	SessionToken   string      `json:"session_token"`
	SessionID      string      `json:"session_id"`
	TaskID         string      `json:"task_id"`
	AgenticTool    AgenticTool `json:"agentic_tool"`
	Prompt         string      `json:"prompt"`
	Cwd            string      `json:"cwd"`
	Tools          []string    `json:"tools,omitempty"`
	PermissionMode string      `json:"permission_mode,omitempty"`
	TimeoutMs      int64       `json:"timeout_ms,omitempty"`
	Stream         bool        `json:"stream"`
}

// ExecuteStatus is the terminal outcome of an execute_prompt run.
type ExecuteStatus string

const (
	ExecuteStatusCompleted ExecuteStatus = "completed"
	ExecuteStatusFailed    ExecuteStatus = "failed"
	ExecuteStatusCancelled ExecuteStatus = "cancelled"
)

// ExecuteError is the structured failure attached to a failed run.
type ExecuteError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutePromptResult reports how the run ended.
type ExecutePromptResult struct {
	Status       ExecuteStatus `json:"status"`
	MessageCount int           `json:"message_count"`
	TokenUsage   *TokenUsage   `json:"token_usage,omitempty"`
	Error        *ExecuteError `json:"error,omitempty"`
}

// ShutdownParams asks the executor to exit within the given deadline.
type ShutdownParams struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// ReportMessageParams is a streaming event relayed to the orchestrator.
type ReportMessageParams struct {
	SessionToken string                 `json:"session_token"`
	TaskID       string                 `json:"task_id"`
	Sequence     int                    `json:"sequence"`
	Timestamp    int64                  `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	EventData    map[string]interface{} `json:"event_data,omitempty"`
}

// DaemonCommandParams wraps a state-changing command issued by the executor.
type DaemonCommandParams struct {
	SessionToken string                 `json:"session_token"`
	Command      string                 `json:"command"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// PermissionScope is how long a remembered permission decision applies.
type PermissionScope string

const (
	ScopeOnce    PermissionScope = "once"
	ScopeSession PermissionScope = "session"
	ScopeProject PermissionScope = "project"
	ScopeUser    PermissionScope = "user"
	ScopeLocal   PermissionScope = "local"
)

// PermissionResolvedParams carries a human decision back to the executor.
type PermissionResolvedParams struct {
	RequestID string          `json:"requestId"`
	TaskID    string          `json:"taskId"`
	Allow     bool            `json:"allow"`
	Reason    string          `json:"reason,omitempty"`
	Remember  bool            `json:"remember"`
	Scope     PermissionScope `json:"scope"`
	DecidedBy string          `json:"decidedBy"`
}

// TaskStopParams is the acknowledged stop request. Sequence distinguishes
// retries of the same stop.
type TaskStopParams struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	Sequence  int    `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// StopAckStatus reports what the executor was doing when the stop arrived.
type StopAckStatus string

const (
	StopAckStopping       StopAckStatus = "stopping"
	StopAckAlreadyStopped StopAckStatus = "already_stopped"
)

// TaskStopAck acknowledges a task_stop. Both SessionID and TaskID must match
// the executor's current run before it acks.
type TaskStopAck struct {
	SessionID  string        `json:"session_id"`
	TaskID     string        `json:"task_id"`
	Sequence   int           `json:"sequence"`
	ReceivedAt int64         `json:"received_at"`
	Status     StopAckStatus `json:"status"`
}

// TaskStoppedComplete signals that the executor finished unwinding.
type TaskStoppedComplete struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	StoppedAt int64  `json:"stopped_at"`
}
