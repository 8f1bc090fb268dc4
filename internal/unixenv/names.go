// Package unixenv manages the unix identities that confine agent
// executors: per-operator users, per-worktree groups, and the symlinks
// that surface shared worktrees inside each owner's home directory.
package unixenv

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// GroupPrefix prefixes every per-worktree unix group.
	GroupPrefix = "agor_wt_"

	// WorktreesDirName is the directory under ~/<user>/agor that holds
	// symlinks into shared worktrees.
	WorktreesDirName = "worktrees"
)

// usernameRe is the grammar accepted for unix usernames: lowercase
// letters, digits and underscore, not starting with a digit, at most 32
// characters. Stricter than useradd itself to keep shell substitution
// boring.
var usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,31}$`)

// groupRe matches the groups this layer manages.
var groupRe = regexp.MustCompile(`^agor_wt_[0-9a-f]{8}$`)

// ValidUsername reports whether name is acceptable as a unix username.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// ValidGroupName reports whether name is a group this layer manages.
func ValidGroupName(name string) bool {
	return groupRe.MatchString(name)
}

// GroupForWorktree derives the unix group name for a worktree id. The
// first eight hex characters of the id are enough to avoid collisions at
// any plausible worktree count.
func GroupForWorktree(worktreeID string) (string, error) {
	short := shortWorktreeID(worktreeID)
	if len(short) < 8 {
		return "", fmt.Errorf("worktree id %q too short to derive a group name", worktreeID)
	}
	name := GroupPrefix + short[:8]
	if !ValidGroupName(name) {
		return "", fmt.Errorf("worktree id %q does not yield a valid group name", worktreeID)
	}
	return name, nil
}

// shortWorktreeID strips uuid dashes and lowercases so both uuid and
// plain hex ids derive the same group.
func shortWorktreeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}

// HomeDir returns the home directory for a username under homeBase.
func HomeDir(homeBase, username string) string {
	return filepath.Join(homeBase, username)
}

// WorktreesDir returns the per-user directory that holds worktree symlinks.
func WorktreesDir(homeBase, username string) string {
	return filepath.Join(HomeDir(homeBase, username), "agor", WorktreesDirName)
}

// WorktreeLinkPath returns the symlink path for a worktree slug inside a
// user's home.
func WorktreeLinkPath(homeBase, username, slug string) string {
	return filepath.Join(WorktreesDir(homeBase, username), slug)
}
