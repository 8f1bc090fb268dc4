package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/session"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// Context flows through the hook pipeline. Hooks fill the cached fields so
// downstream hooks never re-fetch.
type Context struct {
	Ctx       context.Context
	UserID    string
	Role      Role
	SessionID string

	Session  *v1.Session
	Worktree *v1.Worktree
	IsOwner  bool
}

// Hook is one step of the authorization pipeline. A hook mutates the
// context's caches and returns an error to abort the chain.
type Hook func(*Context) error

// Kernel evaluates permission levels for session operations.
type Kernel struct {
	store  session.Store
	logger *logger.Logger
}

// NewKernel builds the authorization kernel over the given store.
func NewKernel(store session.Store, log *logger.Logger) *Kernel {
	return &Kernel{store: store, logger: log}
}

// Run executes hooks in order and stops at the first error.
func (k *Kernel) Run(actx *Context, hooks ...Hook) error {
	for _, hook := range hooks {
		if err := hook(actx); err != nil {
			return err
		}
	}
	return nil
}

// ResolveSessionContext requires a session id on the context. Callers that
// only know a task or message id resolve the session id before entering the
// pipeline.
func (k *Kernel) ResolveSessionContext() Hook {
	return func(actx *Context) error {
		if actx.SessionID == "" {
			return apperrors.InvalidInput("session id is required")
		}
		return nil
	}
}

// LoadSession fetches the session and its worktree and caches both, along
// with whether the caller owns the worktree.
func (k *Kernel) LoadSession() Hook {
	return func(actx *Context) error {
		if actx.Session == nil {
			sess, err := k.store.GetSession(actx.Ctx, actx.SessionID)
			if errors.Is(err, session.ErrNotFound) {
				return apperrors.NotFound("session", actx.SessionID)
			}
			if err != nil {
				return apperrors.Internal("load session", err)
			}
			actx.Session = sess
		}
		if actx.Worktree == nil {
			worktree, err := k.store.GetWorktree(actx.Ctx, actx.Session.WorktreeID)
			if errors.Is(err, session.ErrNotFound) {
				return apperrors.NotFound("worktree", actx.Session.WorktreeID)
			}
			if err != nil {
				return apperrors.Internal("load worktree", err)
			}
			actx.Worktree = worktree
		}
		isOwner, err := k.store.IsWorktreeOwner(actx.Ctx, actx.Worktree.ID, actx.UserID)
		if err != nil {
			return apperrors.Internal("resolve ownership", err)
		}
		actx.IsOwner = isOwner
		return nil
	}
}

// CheckPermission rejects callers whose effective level on the cached
// worktree is below required. Owners always resolve to all; service tokens
// act with the authority of the user they were issued for.
func (k *Kernel) CheckPermission(required v1.PermissionLevel) Hook {
	return func(actx *Context) error {
		effective := EffectiveLevel(actx.IsOwner, actx.Worktree.OthersCan)
		if !effective.Allows(required) {
			k.logger.Debug("permission denied",
				zap.String("user_id", actx.UserID),
				zap.String("worktree_id", actx.Worktree.ID),
				zap.String("effective", string(effective)),
				zap.String("required", string(required)))
			return apperrors.Forbidden("insufficient permission on worktree")
		}
		return nil
	}
}

// EnsureSessionImmutability rejects patches that try to change the
// session's execution identity.
func (k *Kernel) EnsureSessionImmutability(patch *v1.UpdateSessionRequest) Hook {
	return func(actx *Context) error {
		if patch == nil {
			return nil
		}
		if patch.CreatedBy != nil && *patch.CreatedBy != actx.Session.CreatedBy {
			return apperrors.Forbidden("created_by is immutable")
		}
		if patch.UnixUsername != nil && !equalPtr(patch.UnixUsername, actx.Session.UnixUsername) {
			return apperrors.Forbidden("unix_username is immutable")
		}
		return nil
	}
}

// ValidateSessionUnixUsername re-reads the creator's unix username and
// refuses to start work if it no longer matches the session's stamped
// value. Agent SDK state lives in the creator's home directory; running as
// anyone else would corrupt or leak it.
func (k *Kernel) ValidateSessionUnixUsername() Hook {
	return func(actx *Context) error {
		creator, err := k.store.GetUser(actx.Ctx, actx.Session.CreatedBy)
		if errors.Is(err, session.ErrNotFound) {
			return apperrors.NotFound("user", actx.Session.CreatedBy)
		}
		if err != nil {
			return apperrors.Internal("load session creator", err)
		}
		if !equalPtr(creator.UnixUsername, actx.Session.UnixUsername) {
			return apperrors.Forbidden("session unix_username no longer matches its creator")
		}
		return nil
	}
}

// EffectiveLevel resolves the permission a user holds on a worktree. An
// unset others_can defaults to view.
func EffectiveLevel(isOwner bool, othersCan v1.PermissionLevel) v1.PermissionLevel {
	if isOwner {
		return v1.PermissionAll
	}
	if othersCan == "" {
		return v1.PermissionView
	}
	return othersCan
}

// AuthorizeSession runs the standard read/write pipeline for an existing
// session and returns the populated context.
func (k *Kernel) AuthorizeSession(ctx context.Context, userID, sessionID string, required v1.PermissionLevel) (*Context, error) {
	actx := &Context{Ctx: ctx, UserID: userID, SessionID: sessionID}
	err := k.Run(actx,
		k.ResolveSessionContext(),
		k.LoadSession(),
		k.CheckPermission(required),
	)
	if err != nil {
		return nil, err
	}
	return actx, nil
}

// AuthorizeSessionPatch additionally enforces identity immutability.
func (k *Kernel) AuthorizeSessionPatch(ctx context.Context, userID, sessionID string, patch *v1.UpdateSessionRequest) (*Context, error) {
	actx := &Context{Ctx: ctx, UserID: userID, SessionID: sessionID}
	err := k.Run(actx,
		k.ResolveSessionContext(),
		k.LoadSession(),
		k.CheckPermission(v1.PermissionAll),
		k.EnsureSessionImmutability(patch),
	)
	if err != nil {
		return nil, err
	}
	return actx, nil
}

// AuthorizePrompt guards task and message creation: prompt rank plus the
// unix identity re-check.
func (k *Kernel) AuthorizePrompt(ctx context.Context, userID, sessionID string) (*Context, error) {
	actx := &Context{Ctx: ctx, UserID: userID, SessionID: sessionID}
	err := k.Run(actx,
		k.ResolveSessionContext(),
		k.LoadSession(),
		k.CheckPermission(v1.PermissionPrompt),
		k.ValidateSessionUnixUsername(),
	)
	if err != nil {
		return nil, err
	}
	return actx, nil
}

// AuthorizeWorktree guards operations keyed by worktree rather than
// session, such as creating a session (requires all).
func (k *Kernel) AuthorizeWorktree(ctx context.Context, userID, worktreeID string, required v1.PermissionLevel) (*Context, error) {
	worktree, err := k.store.GetWorktree(ctx, worktreeID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, apperrors.NotFound("worktree", worktreeID)
	}
	if err != nil {
		return nil, apperrors.Internal("load worktree", err)
	}
	isOwner, err := k.store.IsWorktreeOwner(ctx, worktreeID, userID)
	if err != nil {
		return nil, apperrors.Internal("resolve ownership", err)
	}
	actx := &Context{Ctx: ctx, UserID: userID, Worktree: worktree, IsOwner: isOwner}
	if err := k.Run(actx, k.CheckPermission(required)); err != nil {
		return nil, err
	}
	return actx, nil
}

// CanView is the post-query listing filter: a worktree is visible to its
// owners and to anyone when others_can grants at least view.
func (k *Kernel) CanView(ctx context.Context, userID string, worktree *v1.Worktree) (bool, error) {
	isOwner, err := k.store.IsWorktreeOwner(ctx, worktree.ID, userID)
	if err != nil {
		return false, apperrors.Internal("resolve ownership", err)
	}
	return EffectiveLevel(isOwner, worktree.OthersCan).Allows(v1.PermissionView), nil
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
