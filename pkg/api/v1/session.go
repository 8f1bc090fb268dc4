package v1

import "time"

// SessionStatus represents the execution status of a session.
type SessionStatus string

const (
	SessionStatusIdle     SessionStatus = "IDLE"
	SessionStatusRunning  SessionStatus = "RUNNING"
	SessionStatusStopping SessionStatus = "STOPPING"
)

// AgenticTool identifies the agent product driving a session.
type AgenticTool string

const (
	ToolClaudeCode AgenticTool = "claude-code"
	ToolCodex      AgenticTool = "codex"
	ToolGemini     AgenticTool = "gemini"
	ToolOpenCode   AgenticTool = "opencode"
)

// Valid reports whether the tool is one of the supported agent products.
func (t AgenticTool) Valid() bool {
	switch t {
	case ToolClaudeCode, ToolCodex, ToolGemini, ToolOpenCode:
		return true
	}
	return false
}

// CredentialKey returns the credential the tool needs at startup.
// OpenCode talks to a local server and needs no API key.
func (t AgenticTool) CredentialKey() string {
	switch t {
	case ToolClaudeCode:
		return "ANTHROPIC_API_KEY"
	case ToolCodex:
		return "OPENAI_API_KEY"
	case ToolGemini:
		return "GEMINI_API_KEY"
	default:
		return "NONE"
	}
}

// Session represents an agent conversation bound to one worktree.
// CreatedBy and UnixUsername are immutable after creation.
type Session struct {
	ID             string        `json:"id" db:"id"`
	WorktreeID     string        `json:"worktree_id" db:"worktree_id"`
	CreatedBy      string        `json:"created_by" db:"created_by"`
	UnixUsername   *string       `json:"unix_username,omitempty" db:"unix_username"`
	AgenticTool    AgenticTool   `json:"agentic_tool" db:"agentic_tool"`
	Status         SessionStatus `json:"status" db:"status"`
	ReadyForPrompt bool          `json:"ready_for_prompt" db:"ready_for_prompt"`
	Title          string        `json:"title,omitempty" db:"title"`
	Archived       bool          `json:"archived" db:"archived"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// CreateSessionRequest for creating a new session.
type CreateSessionRequest struct {
	WorktreeID  string      `json:"worktree_id" binding:"required"`
	AgenticTool AgenticTool `json:"agentic_tool" binding:"required"`
	Title       string      `json:"title,omitempty"`
}

// UpdateSessionRequest for patching a session. Fields not present are left
// unchanged. CreatedBy and UnixUsername are rejected by the authorization
// hooks before the patch reaches storage.
type UpdateSessionRequest struct {
	Status         *SessionStatus `json:"status,omitempty"`
	ReadyForPrompt *bool          `json:"ready_for_prompt,omitempty"`
	Title          *string        `json:"title,omitempty"`
	Archived       *bool          `json:"archived,omitempty"`
	CreatedBy      *string        `json:"created_by,omitempty"`
	UnixUsername   *string        `json:"unix_username,omitempty"`
}
