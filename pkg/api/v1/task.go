package v1

import "time"

// TaskStatus represents the status of a single prompt→completion run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusStopping  TaskStatus = "STOPPING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusStopped   TaskStatus = "STOPPED"
)

// Terminal reports whether the status is final. Terminal tasks never
// transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

// Task represents a single prompt→completion run inside a session.
type Task struct {
	ID             string     `json:"id" db:"id"`
	SessionID      string     `json:"session_id" db:"session_id"`
	Sequence       int        `json:"sequence" db:"sequence"`
	Prompt         string     `json:"prompt" db:"prompt"`
	PermissionMode string     `json:"permission_mode,omitempty" db:"permission_mode"`
	Status         TaskStatus `json:"status" db:"status"`
	ErrorCode      string     `json:"error_code,omitempty" db:"error_code"`
	ErrorDetail    string     `json:"error_detail,omitempty" db:"error_detail"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message is an ordered, immutable entry in a task transcript. Streaming
// chunks are never persisted; only final aggregated messages are.
type Message struct {
	ID        string                 `json:"id" db:"id"`
	TaskID    string                 `json:"task_id" db:"task_id"`
	SessionID string                 `json:"session_id" db:"session_id"`
	Sequence  int                    `json:"sequence" db:"sequence"`
	Role      MessageRole            `json:"role" db:"role"`
	Content   string                 `json:"content" db:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// CreatePromptRequest starts a new task in a session.
type CreatePromptRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

// TokenUsage reports model token consumption for a completed run.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}
