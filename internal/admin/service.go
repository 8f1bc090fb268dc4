// Package admin implements the privileged subcommands behind
// "sudo -n agor admin". The sudoers policy restricts the daemon to
// exactly this set, so every operation validates its inputs, probes
// pre-state, and mutates only when necessary.
package admin

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/unixenv"
)

// DefaultHomeBase is where per-user homes live unless overridden.
const DefaultHomeBase = "/home"

// Service executes the admin gateway operations. All operations are
// idempotent: repeating one against an already-converged system exits
// cleanly without mutating.
type Service struct {
	manager *unixenv.Manager
	logger  *logger.Logger
}

// NewService creates a Service over the given runner. Pass a DryRun
// wrapped runner to preview mutations.
func NewService(runner command.Runner, log *logger.Logger) *Service {
	return &Service{
		manager: unixenv.NewManager(runner, log),
		logger:  log.WithFields(zap.String("component", "admin")),
	}
}

// CreateWorktreeGroup derives the managed group name from the worktree
// id and creates it.
func (s *Service) CreateWorktreeGroup(ctx context.Context, worktreeID string) error {
	group, err := unixenv.GroupForWorktree(worktreeID)
	if err != nil {
		return err
	}
	return s.manager.CreateGroup(ctx, group)
}

// DeleteWorktreeGroup removes a managed group by name. Only groups
// carrying the managed prefix are accepted.
func (s *Service) DeleteWorktreeGroup(ctx context.Context, group string) error {
	if !unixenv.ValidGroupName(group) {
		return fmt.Errorf("refusing to delete unmanaged group %q", group)
	}
	return s.manager.DeleteGroup(ctx, group)
}

// EnsureUser creates the unix user and its worktrees directory.
func (s *Service) EnsureUser(ctx context.Context, username, homeBase string) error {
	if homeBase == "" {
		homeBase = DefaultHomeBase
	}
	if err := s.manager.EnsureUser(ctx, username, homeBase); err != nil {
		return err
	}
	return s.manager.SetupWorktreesDir(ctx, username, homeBase)
}

// DeleteUser removes the unix user, optionally with its home directory.
func (s *Service) DeleteUser(ctx context.Context, username string, deleteHome bool) error {
	return s.manager.DeleteUser(ctx, username, deleteHome)
}

// RemoveFromWorktreeGroup drops a user's membership in a managed group.
func (s *Service) RemoveFromWorktreeGroup(ctx context.Context, username, group string) error {
	if !unixenv.ValidGroupName(group) {
		return fmt.Errorf("refusing to touch unmanaged group %q", group)
	}
	return s.manager.RemoveUserFromGroup(ctx, username, group)
}

// RemoveSymlink deletes the named worktree link from the user's
// worktrees directory.
func (s *Service) RemoveSymlink(ctx context.Context, username, worktreeName, homeBase string) error {
	if !unixenv.ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if worktreeName == "" {
		return fmt.Errorf("worktree name is required")
	}
	if homeBase == "" {
		homeBase = DefaultHomeBase
	}
	return s.manager.RemoveSymlink(ctx, unixenv.WorktreeLinkPath(homeBase, username, worktreeName))
}

// SyncUserSymlinks garbage-collects broken links in the user's
// worktrees directory, typically after a worktree was destroyed.
func (s *Service) SyncUserSymlinks(ctx context.Context, username, homeBase string) error {
	if !unixenv.ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if homeBase == "" {
		homeBase = DefaultHomeBase
	}
	dir := unixenv.WorktreesDir(homeBase, username)
	removed, err := s.manager.RemoveBrokenSymlinks(ctx, dir)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("synced user symlinks",
			zap.String("username", username),
			zap.Int("removed", removed))
	}
	return nil
}
