package v1

import "time"

// PermissionLevel is the access a non-owner has on a worktree and the
// sessions bound to it. Levels are ordered: none < view < prompt < all.
type PermissionLevel string

const (
	PermissionNone   PermissionLevel = "none"
	PermissionView   PermissionLevel = "view"
	PermissionPrompt PermissionLevel = "prompt"
	PermissionAll    PermissionLevel = "all"
)

// Rank returns the numeric ordering of a permission level. Unknown levels
// rank below none.
func (p PermissionLevel) Rank() int {
	switch p {
	case PermissionNone:
		return -1
	case PermissionView:
		return 0
	case PermissionPrompt:
		return 1
	case PermissionAll:
		return 2
	}
	return -2
}

// Allows reports whether p grants at least the required level.
func (p PermissionLevel) Allows(required PermissionLevel) bool {
	return p.Rank() >= required.Rank()
}

// User is an operator of the control plane. UnixUsername is nil when unix
// isolation is disabled.
type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email,omitempty" db:"email"`
	UnixUsername *string   `json:"unix_username,omitempty" db:"unix_username"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Repo is a bare clone on disk that worktrees are checked out from.
type Repo struct {
	ID            string    `json:"id" db:"id"`
	Slug          string    `json:"slug" db:"slug"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	LocalPath     string    `json:"local_path" db:"local_path"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Worktree is a checked-out branch of a repo. Owners always resolve to the
// all permission; everyone else gets OthersCan.
type Worktree struct {
	ID        string          `json:"id" db:"id"`
	RepoID    string          `json:"repo_id" db:"repo_id"`
	Name      string          `json:"name" db:"name"`
	Path      string          `json:"path" db:"path"`
	BaseRef   string          `json:"base_ref,omitempty" db:"base_ref"`
	Ref       string          `json:"ref,omitempty" db:"ref"`
	OthersCan PermissionLevel `json:"others_can" db:"others_can"`
	Archived  bool            `json:"archived" db:"archived"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateWorktreeRequest for creating a worktree.
type CreateWorktreeRequest struct {
	RepoID    string          `json:"repo_id" binding:"required"`
	Name      string          `json:"name" binding:"required,max=255"`
	BaseRef   string          `json:"base_ref,omitempty"`
	OthersCan PermissionLevel `json:"others_can,omitempty"`
}

// UpdateWorktreeRequest for patching a worktree.
type UpdateWorktreeRequest struct {
	OthersCan *PermissionLevel `json:"others_can,omitempty"`
	Archived  *bool            `json:"archived,omitempty"`
}
