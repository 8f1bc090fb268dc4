package unixenv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/logger"
)

// Manager performs unix user, group, and symlink mutations through a
// command.Runner. All operations are idempotent: "already exists" and
// "already gone" are success.
type Manager struct {
	runner command.Runner
	logger *logger.Logger
}

// NewManager creates a Manager over the given runner.
func NewManager(runner command.Runner, log *logger.Logger) *Manager {
	return &Manager{
		runner: runner,
		logger: log.WithFields(zap.String("component", "unixenv")),
	}
}

// UserExists probes whether a unix user exists.
func (m *Manager) UserExists(ctx context.Context, username string) bool {
	return m.runner.Check(ctx, command.Command{Name: "id", Args: []string{"-u", username}})
}

// GroupExists probes whether a unix group exists.
func (m *Manager) GroupExists(ctx context.Context, group string) bool {
	return m.runner.Check(ctx, command.Command{Name: "getent", Args: []string{"group", group}})
}

// EnsureUser creates a unix user with a home directory under homeBase if
// it does not already exist.
func (m *Manager) EnsureUser(ctx context.Context, username, homeBase string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if m.UserExists(ctx, username) {
		m.logger.Debug("user already exists", zap.String("username", username))
		return nil
	}
	home := HomeDir(homeBase, username)
	_, err := command.ExecStrict(ctx, m.runner, command.Command{
		Name: "useradd",
		Args: []string{"--create-home", "--home-dir", home, "--shell", "/bin/bash", username},
	})
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	m.logger.Info("created unix user", zap.String("username", username), zap.String("home", home))
	return nil
}

// DeleteUser removes a unix user. With deleteHome the home directory goes
// too. Removing a user that does not exist is a no-op.
func (m *Manager) DeleteUser(ctx context.Context, username string, deleteHome bool) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if !m.UserExists(ctx, username) {
		m.logger.Debug("user already absent", zap.String("username", username))
		return nil
	}
	args := []string{}
	if deleteHome {
		args = append(args, "--remove")
	}
	args = append(args, username)
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{Name: "userdel", Args: args}); err != nil {
		return fmt.Errorf("delete user %s: %w", username, err)
	}
	m.logger.Info("deleted unix user", zap.String("username", username), zap.Bool("deleted_home", deleteHome))
	return nil
}

// CreateGroup creates a managed group if it does not already exist.
func (m *Manager) CreateGroup(ctx context.Context, group string) error {
	if !ValidGroupName(group) {
		return fmt.Errorf("invalid group name %q", group)
	}
	if m.GroupExists(ctx, group) {
		m.logger.Debug("group already exists", zap.String("group", group))
		return nil
	}
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{Name: "groupadd", Args: []string{group}}); err != nil {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	m.logger.Info("created unix group", zap.String("group", group))
	return nil
}

// DeleteGroup removes a managed group. Absent groups are a no-op.
func (m *Manager) DeleteGroup(ctx context.Context, group string) error {
	if !ValidGroupName(group) {
		return fmt.Errorf("invalid group name %q", group)
	}
	if !m.GroupExists(ctx, group) {
		m.logger.Debug("group already absent", zap.String("group", group))
		return nil
	}
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{Name: "groupdel", Args: []string{group}}); err != nil {
		return fmt.Errorf("delete group %s: %w", group, err)
	}
	m.logger.Info("deleted unix group", zap.String("group", group))
	return nil
}

// IsUserInGroup probes membership via the user's current group list.
func (m *Manager) IsUserInGroup(ctx context.Context, username, group string) bool {
	res, err := m.runner.Exec(ctx, command.Command{Name: "id", Args: []string{"-nG", username}})
	if err != nil || res.ExitCode != 0 {
		return false
	}
	for _, g := range strings.Fields(res.Stdout) {
		if g == group {
			return true
		}
	}
	return false
}

// AddUserToGroup adds a supplementary group membership. Note that already
// running processes of the user keep their cached group set; see
// BuildSpawnArgs for how fresh memberships are obtained.
func (m *Manager) AddUserToGroup(ctx context.Context, username, group string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if m.IsUserInGroup(ctx, username, group) {
		m.logger.Debug("user already in group", zap.String("username", username), zap.String("group", group))
		return nil
	}
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{
		Name: "usermod",
		Args: []string{"--append", "--groups", group, username},
	}); err != nil {
		return fmt.Errorf("add %s to group %s: %w", username, group, err)
	}
	m.logger.Info("added user to group", zap.String("username", username), zap.String("group", group))
	return nil
}

// RemoveUserFromGroup drops a supplementary membership. A user not in the
// group is a no-op.
func (m *Manager) RemoveUserFromGroup(ctx context.Context, username, group string) error {
	if !ValidUsername(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	if !m.IsUserInGroup(ctx, username, group) {
		m.logger.Debug("user not in group", zap.String("username", username), zap.String("group", group))
		return nil
	}
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{
		Name: "gpasswd",
		Args: []string{"--delete", username, group},
	}); err != nil {
		return fmt.Errorf("remove %s from group %s: %w", username, group, err)
	}
	m.logger.Info("removed user from group", zap.String("username", username), zap.String("group", group))
	return nil
}

// SetupWorktreesDir creates ~/<user>/agor/worktrees owned by the user.
func (m *Manager) SetupWorktreesDir(ctx context.Context, username, homeBase string) error {
	dir := WorktreesDir(homeBase, username)
	cmds := []command.Command{
		{Name: "mkdir", Args: []string{"-p", dir}},
		{Name: "chown", Args: []string{username + ":" + username, filepath.Dir(dir), dir}},
	}
	if _, err := m.runner.ExecAll(ctx, cmds); err != nil {
		return fmt.Errorf("setup worktrees dir for %s: %w", username, err)
	}
	return nil
}

// CreateSymlink points link at target, replacing an existing link.
func (m *Manager) CreateSymlink(ctx context.Context, target, link string) error {
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{
		Name: "ln",
		Args: []string{"-sfn", target, link},
	}); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	return nil
}

// RemoveSymlink removes a symlink if present. It refuses to remove
// anything that is not a symlink.
func (m *Manager) RemoveSymlink(ctx context.Context, link string) error {
	info, err := os.Lstat(link)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", link, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s is not a symlink", link)
	}
	if _, err := command.ExecStrict(ctx, m.runner, command.Command{Name: "rm", Args: []string{"-f", link}}); err != nil {
		return fmt.Errorf("remove symlink %s: %w", link, err)
	}
	return nil
}

// RemoveBrokenSymlinks garbage-collects dangling links in dir, typically
// after a worktree was destroyed. Returns the number of links removed.
func (m *Manager) RemoveBrokenSymlinks(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		link := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(link); err == nil {
			continue // target resolves
		}
		if err := m.RemoveSymlink(ctx, link); err != nil {
			return removed, err
		}
		m.logger.Info("removed broken symlink", zap.String("link", link))
		removed++
	}
	return removed, nil
}
