// Package worktree provisions git worktrees for agent sessions: the
// checkout itself, the per-worktree unix group, and the symlinks that
// surface the checkout inside each owner's home directory.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/unixenv"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// branchPrefix namespaces the branches this layer creates so they never
// collide with human branches.
const branchPrefix = "agor/"

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify normalizes a display name into a path and branch safe slug.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 64 {
		slug = slug[:64]
	}
	return slug
}

// Manager creates and removes worktrees. Git operations go through a
// command.Runner; unix group and symlink mutations go through unixenv.
type Manager struct {
	store   session.Store
	unix    *unixenv.Manager
	runner  command.Runner
	execCfg *config.ExecutionConfig
	paths   *config.PathsConfig
	logger  *logger.Logger
}

// NewManager builds a worktree manager.
func NewManager(store session.Store, unix *unixenv.Manager, runner command.Runner, execCfg *config.ExecutionConfig, paths *config.PathsConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:   store,
		unix:    unix,
		runner:  runner,
		execCfg: execCfg,
		paths:   paths,
		logger:  log.WithFields(zap.String("component", "worktree_manager")),
	}
}

// baseDir is where worktree checkouts live on disk.
func (m *Manager) baseDir() string {
	return filepath.Join(m.paths.DataHome, "worktrees")
}

func (m *Manager) isolationEnabled() bool {
	return m.execCfg.RunAsUnixUser
}

// RegisterRepo records an existing local clone as a repo the control
// plane can cut worktrees from. The default branch is read from HEAD.
func (m *Manager) RegisterRepo(ctx context.Context, slug, localPath string) (*v1.Repo, error) {
	slug = Slugify(slug)
	if slug == "" {
		return nil, apperrors.InvalidInput("repo slug is required")
	}
	if localPath == "" {
		return nil, apperrors.InvalidInput("repo local_path is required")
	}

	if !m.runner.Check(ctx, command.Command{
		Name: "git", Args: []string{"-C", localPath, "rev-parse", "--git-dir"},
	}) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("%s is not a git repository", localPath))
	}

	defaultBranch := "main"
	if res, err := m.runner.Exec(ctx, command.Command{
		Name: "git", Args: []string{"-C", localPath, "symbolic-ref", "--short", "HEAD"},
	}); err == nil && res.ExitCode == 0 {
		if head := strings.TrimSpace(res.Stdout); head != "" {
			defaultBranch = head
		}
	}

	now := time.Now().UTC()
	repo := &v1.Repo{
		ID:            uuid.New().String(),
		Slug:          slug,
		DefaultBranch: defaultBranch,
		LocalPath:     localPath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateRepo(ctx, repo); err != nil {
		return nil, apperrors.Internal("create repo", err)
	}

	m.logger.Info("registered repo",
		zap.String("repo_id", repo.ID),
		zap.String("slug", slug),
		zap.String("default_branch", defaultBranch))
	return repo, nil
}

// Create checks out a new worktree and makes creatorID its first owner.
// With unix isolation on, the checkout is group-owned by a fresh
// per-worktree group and linked into the creator's home.
func (m *Manager) Create(ctx context.Context, creatorID string, req *v1.CreateWorktreeRequest) (*v1.Worktree, error) {
	slug := Slugify(req.Name)
	if slug == "" {
		return nil, apperrors.InvalidInput("worktree name is required")
	}
	othersCan := req.OthersCan
	if othersCan == "" {
		othersCan = v1.PermissionView
	}

	repo, err := m.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, apperrors.NotFound("repo", req.RepoID)
	}

	baseRef := req.BaseRef
	if baseRef == "" {
		baseRef = repo.DefaultBranch
	}

	id := uuid.New().String()
	ref := branchPrefix + slug
	path := filepath.Join(m.baseDir(), repo.Slug, slug)

	_, err = command.ExecStrict(ctx, m.runner, command.Command{
		Name: "git",
		Args: []string{"-C", repo.LocalPath, "worktree", "add", "-b", ref, path, baseRef},
	})
	if err != nil {
		return nil, apperrors.CommandFailed(fmt.Sprintf("git worktree add %s", slug), err)
	}

	now := time.Now().UTC()
	worktree := &v1.Worktree{
		ID:        id,
		RepoID:    repo.ID,
		Name:      slug,
		Path:      path,
		BaseRef:   baseRef,
		Ref:       ref,
		OthersCan: othersCan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateWorktree(ctx, worktree); err != nil {
		m.removeCheckout(ctx, repo.LocalPath, path)
		return nil, apperrors.Internal("create worktree", err)
	}
	if err := m.store.AddWorktreeOwner(ctx, id, creatorID); err != nil {
		return nil, apperrors.Internal("add worktree owner", err)
	}

	if m.isolationEnabled() {
		if err := m.provisionGroup(ctx, worktree); err != nil {
			return nil, err
		}
		if err := m.grantUnixAccess(ctx, worktree, creatorID); err != nil {
			return nil, err
		}
	}

	m.logger.Info("created worktree",
		zap.String("worktree_id", id),
		zap.String("repo_id", repo.ID),
		zap.String("path", path),
		zap.String("ref", ref))
	return worktree, nil
}

// provisionGroup creates the worktree's unix group and hands the checkout
// to it. The setgid bit keeps files created inside group-owned.
func (m *Manager) provisionGroup(ctx context.Context, worktree *v1.Worktree) error {
	group, err := unixenv.GroupForWorktree(worktree.ID)
	if err != nil {
		return apperrors.Internal("derive worktree group", err)
	}
	if err := m.unix.CreateGroup(ctx, group); err != nil {
		return apperrors.CommandFailed("create worktree group", err)
	}

	_, err = command.ExecStrict(ctx, m.runner, command.Command{
		Name: "chgrp", Args: []string{"-R", group, worktree.Path},
	})
	if err != nil {
		return apperrors.CommandFailed("chgrp worktree", err)
	}
	_, err = command.ExecStrict(ctx, m.runner, command.Command{
		Name: "chmod", Args: []string{"-R", "g+rwX", worktree.Path},
	})
	if err != nil {
		return apperrors.CommandFailed("chmod worktree", err)
	}
	_, err = command.ExecStrict(ctx, m.runner, command.Command{
		Name: "chmod", Args: []string{"g+s", worktree.Path},
	})
	if err != nil {
		return apperrors.CommandFailed("setgid worktree", err)
	}
	return nil
}

// AddOwner records ownership and, with isolation on, grants the user's
// unix account access to the checkout.
func (m *Manager) AddOwner(ctx context.Context, worktreeID, userID string) error {
	worktree, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return apperrors.NotFound("worktree", worktreeID)
	}
	if err := m.store.AddWorktreeOwner(ctx, worktreeID, userID); err != nil {
		return apperrors.Internal("add worktree owner", err)
	}
	if m.isolationEnabled() {
		return m.grantUnixAccess(ctx, worktree, userID)
	}
	return nil
}

// RemoveOwner drops ownership and revokes unix access.
func (m *Manager) RemoveOwner(ctx context.Context, worktreeID, userID string) error {
	worktree, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return apperrors.NotFound("worktree", worktreeID)
	}
	if err := m.store.RemoveWorktreeOwner(ctx, worktreeID, userID); err != nil {
		return apperrors.Internal("remove worktree owner", err)
	}
	if !m.isolationEnabled() {
		return nil
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil || user.UnixUsername == nil {
		return nil
	}
	username := *user.UnixUsername

	group, err := unixenv.GroupForWorktree(worktree.ID)
	if err != nil {
		return apperrors.Internal("derive worktree group", err)
	}
	if err := m.unix.RemoveUserFromGroup(ctx, username, group); err != nil {
		return apperrors.CommandFailed("remove user from worktree group", err)
	}
	link := unixenv.WorktreeLinkPath(m.paths.HomeBase, username, worktree.Name)
	if err := m.unix.RemoveSymlink(ctx, link); err != nil {
		return apperrors.CommandFailed("remove worktree symlink", err)
	}
	return nil
}

// Archive removes the checkout from disk and marks the record archived.
// Sessions keep their history; the worktree can no longer run prompts.
func (m *Manager) Archive(ctx context.Context, worktreeID string) error {
	worktree, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return apperrors.NotFound("worktree", worktreeID)
	}
	if worktree.Archived {
		return nil
	}
	repo, err := m.store.GetRepo(ctx, worktree.RepoID)
	if err != nil {
		return apperrors.NotFound("repo", worktree.RepoID)
	}

	m.removeCheckout(ctx, repo.LocalPath, worktree.Path)

	if m.isolationEnabled() {
		owners, err := m.store.ListWorktreeOwners(ctx, worktreeID)
		if err == nil {
			for _, ownerID := range owners {
				user, err := m.store.GetUser(ctx, ownerID)
				if err != nil || user.UnixUsername == nil {
					continue
				}
				link := unixenv.WorktreeLinkPath(m.paths.HomeBase, *user.UnixUsername, worktree.Name)
				_ = m.unix.RemoveSymlink(ctx, link)
			}
		}
		if group, err := unixenv.GroupForWorktree(worktree.ID); err == nil {
			_ = m.unix.DeleteGroup(ctx, group)
		}
	}

	worktree.Archived = true
	worktree.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateWorktree(ctx, worktree); err != nil {
		return apperrors.Internal("archive worktree", err)
	}

	m.logger.Info("archived worktree", zap.String("worktree_id", worktreeID))
	return nil
}

// grantUnixAccess puts the user's unix account in the worktree group and
// links the checkout into their home. Users without a unix account are
// skipped; they can still drive sessions when isolation is off for them.
func (m *Manager) grantUnixAccess(ctx context.Context, worktree *v1.Worktree, userID string) error {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return apperrors.NotFound("user", userID)
	}
	if user.UnixUsername == nil || *user.UnixUsername == "" {
		return nil
	}
	username := *user.UnixUsername

	group, err := unixenv.GroupForWorktree(worktree.ID)
	if err != nil {
		return apperrors.Internal("derive worktree group", err)
	}
	if err := m.unix.AddUserToGroup(ctx, username, group); err != nil {
		return apperrors.CommandFailed("add user to worktree group", err)
	}
	if err := m.unix.SetupWorktreesDir(ctx, username, m.paths.HomeBase); err != nil {
		return apperrors.CommandFailed("setup worktrees dir", err)
	}
	link := unixenv.WorktreeLinkPath(m.paths.HomeBase, username, worktree.Name)
	if err := m.unix.CreateSymlink(ctx, worktree.Path, link); err != nil {
		return apperrors.CommandFailed("create worktree symlink", err)
	}
	return nil
}

// removeCheckout prunes the git worktree; failures are logged, not fatal,
// because the checkout may already be gone.
func (m *Manager) removeCheckout(ctx context.Context, repoPath, worktreePath string) {
	_, err := command.ExecStrict(ctx, m.runner, command.Command{
		Name: "git",
		Args: []string{"-C", repoPath, "worktree", "remove", "--force", worktreePath},
	})
	if err != nil {
		m.logger.Warn("git worktree remove failed",
			zap.String("path", worktreePath), zap.Error(err))
	}
}
