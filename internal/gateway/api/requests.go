package api

import v1 "github.com/13ty/agor-sub000/pkg/api/v1"

// TokenRequest exchanges the daemon's shared secret for a user access
// token. Meant for bootstrap and trusted frontends co-located with the
// daemon.
type TokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	Token string `json:"token"`
}

// CreateUserRequest registers an operator.
type CreateUserRequest struct {
	Name         string `json:"name" binding:"required,max=255"`
	Email        string `json:"email,omitempty"`
	UnixUsername string `json:"unix_username,omitempty"`
}

// RegisterRepoRequest records an existing local clone.
type RegisterRepoRequest struct {
	Slug      string `json:"slug" binding:"required"`
	LocalPath string `json:"local_path" binding:"required"`
}

// AddOwnerRequest adds a user to a worktree's owner set.
type AddOwnerRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ResolvePermissionRequest carries a human decision on a pending
// permission request.
type ResolvePermissionRequest struct {
	RequestID string             `json:"request_id" binding:"required"`
	TaskID    string             `json:"task_id"`
	Allow     bool               `json:"allow"`
	Reason    string             `json:"reason,omitempty"`
	Remember  bool               `json:"remember,omitempty"`
	Scope     v1.PermissionScope `json:"scope,omitempty"`
}

// SetCredentialRequest stores an API key for the calling user.
type SetCredentialRequest struct {
	Value string `json:"value" binding:"required"`
}
