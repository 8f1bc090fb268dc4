// Package session provides persistence for the control plane entities:
// users, repos, worktrees, sessions, tasks, and messages.
package session

import (
	"context"
	"errors"

	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTaskTerminal rejects any transition or message append on a task
// that already reached COMPLETED, FAILED, or STOPPED.
var ErrTaskTerminal = errors.New("task is in a terminal state")

// ListSessionsOptions filters session listings.
type ListSessionsOptions struct {
	WorktreeID      string
	IncludeArchived bool
}

// Store is the storage interface the orchestrator and authorization
// kernel depend on. Implementations: SQLStore (sqlite/postgres via
// sqlx) and MemoryStore (tests).
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *v1.User) error
	GetUser(ctx context.Context, id string) (*v1.User, error)
	UpdateUser(ctx context.Context, user *v1.User) error
	ListUsers(ctx context.Context) ([]*v1.User, error)

	// Repo operations
	CreateRepo(ctx context.Context, repo *v1.Repo) error
	GetRepo(ctx context.Context, id string) (*v1.Repo, error)
	ListRepos(ctx context.Context) ([]*v1.Repo, error)

	// Worktree operations
	CreateWorktree(ctx context.Context, worktree *v1.Worktree) error
	GetWorktree(ctx context.Context, id string) (*v1.Worktree, error)
	UpdateWorktree(ctx context.Context, worktree *v1.Worktree) error
	ListWorktrees(ctx context.Context) ([]*v1.Worktree, error)

	// Worktree ownership
	AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error
	RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error
	ListWorktreeOwners(ctx context.Context, worktreeID string) ([]string, error)
	IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error)

	// Session operations
	CreateSession(ctx context.Context, session *v1.Session) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	UpdateSession(ctx context.Context, session *v1.Session) error
	ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*v1.Session, error)
	SetSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error
	SetReadyForPrompt(ctx context.Context, id string, ready bool) error

	// Task operations. CreateTask allocates the next per-session
	// sequence; SetTaskStatus rejects transitions out of terminal states
	// and stamps started_at/completed_at.
	CreateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*v1.Task, error)
	ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error)
	NextPendingTask(ctx context.Context, sessionID string) (*v1.Task, error)
	SetTaskStatus(ctx context.Context, id string, status v1.TaskStatus, errorCode, errorDetail string) error

	// Message operations. CreateMessage allocates the next per-task
	// sequence and refuses to append to a terminal task.
	CreateMessage(ctx context.Context, message *v1.Message) error
	ListMessages(ctx context.Context, taskID string) ([]*v1.Message, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]*v1.Message, error)

	Close() error
}
