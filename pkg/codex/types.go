// Package codex speaks the Codex app-server protocol: JSON-RPC shaped
// frames over stdio, newline-delimited, without the "jsonrpc":"2.0"
// header field.
package codex

import "encoding/json"

// Request is an outgoing call. ID is empty for notifications.
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request in either direction.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MethodNotFound is the JSON-RPC code for an unknown method.
const MethodNotFound = -32601

// Methods the daemon calls on the app server.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodThreadStart = "thread/start"
	MethodTurnStart   = "turn/start"
)

// Notifications and approval requests the app server sends back.
const (
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningSummaryDelta     = "item/reasoning/summaryTextDelta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemCmdExecRequestApproval    = "item/commandExecution/requestApproval"
	NotifyItemFileChangeRequestApproval = "item/fileChange/requestApproval"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyError                         = "error"
	NotifyTokenCount                    = "token_count"
)

// InitializeParams identify the client to the app server.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo names the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams open a conversation thread.
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // untrusted, on-failure, on-request, never
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// SandboxPolicy constrains what the agent may touch. Type takes
// kebab-case values: read-only, workspace-write, danger-full-access.
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread is one Codex conversation.
type Thread struct {
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// ThreadStartResult carries the new thread.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // text, image, localImage
	Text string `json:"text,omitempty"`
}

// TurnStartParams run one prompt on a thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// AgentMessageDeltaParams stream assistant text.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams stream reasoning text or its summary.
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams ask permission to run a shell command.
type CommandApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FileChangeApprovalParams ask permission to modify a file.
type FileChangeApprovalParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	ItemID    string `json:"itemId"`
	Path      string `json:"path"`
	Diff      string `json:"diff,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// CommandApprovalResponse answers a command approval. Decision is one of
// accept, acceptForSession, decline, cancel.
type CommandApprovalResponse struct {
	Decision string `json:"decision"`
}

// FileChangeApprovalResponse answers a file change approval with the same
// decision values as CommandApprovalResponse.
type FileChangeApprovalResponse struct {
	Decision string `json:"decision"`
}

// TurnCompletedParams close a turn.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// ErrorParams carry a fatal protocol error.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// TokenCountParams report token usage after a turn.
type TokenCountParams struct {
	Info *TokenUsageInfo `json:"info,omitempty"`
}

// TokenUsageInfo wraps the running totals.
type TokenUsageInfo struct {
	TotalTokenUsage    *TokenUsage `json:"totalTokenUsage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"lastTokenUsage,omitempty"`
	ModelContextWindow *int64      `json:"modelContextWindow,omitempty"`
}

// TokenUsage counts tokens for one request/response cycle.
type TokenUsage struct {
	InputTokens           int32 `json:"inputTokens"`
	CachedInputTokens     int32 `json:"cachedInputTokens"`
	OutputTokens          int32 `json:"outputTokens"`
	ReasoningOutputTokens int32 `json:"reasoningOutputTokens"`
	TotalTokens           int32 `json:"totalTokens"`
}
