package worktree

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/session"
	"github.com/13ty/agor-sub000/internal/unixenv"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// gitRunner simulates the git and unix commands the manager issues.
type gitRunner struct {
	repos    map[string]bool // local paths that are git repos
	users    map[string]bool
	groups   map[string]bool
	members  map[string]map[string]bool
	executed []string
}

func newGitRunner() *gitRunner {
	return &gitRunner{
		repos:   make(map[string]bool),
		users:   make(map[string]bool),
		groups:  make(map[string]bool),
		members: make(map[string]map[string]bool),
	}
}

func (f *gitRunner) has(fragment string) bool {
	for _, line := range f.executed {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func (f *gitRunner) Exec(ctx context.Context, cmd command.Command) (*command.Result, error) {
	f.executed = append(f.executed, cmd.String())
	switch cmd.Name {
	case "git":
		switch {
		case len(cmd.Args) >= 3 && cmd.Args[2] == "rev-parse":
			if f.repos[cmd.Args[1]] {
				return &command.Result{Stdout: ".git\n"}, nil
			}
			return &command.Result{ExitCode: 128}, nil
		case len(cmd.Args) >= 3 && cmd.Args[2] == "symbolic-ref":
			return &command.Result{Stdout: "main\n"}, nil
		default:
			return &command.Result{}, nil
		}
	case "id":
		if f.users[cmd.Args[1]] {
			if cmd.Args[0] == "-nG" {
				groups := []string{cmd.Args[1]}
				for g, users := range f.members {
					if users[cmd.Args[1]] {
						groups = append(groups, g)
					}
				}
				return &command.Result{Stdout: strings.Join(groups, " ") + "\n"}, nil
			}
			return &command.Result{Stdout: "1001\n"}, nil
		}
		return &command.Result{ExitCode: 1}, nil
	case "getent":
		if f.groups[cmd.Args[1]] {
			return &command.Result{Stdout: cmd.Args[1] + ":x:2001:\n"}, nil
		}
		return &command.Result{ExitCode: 2}, nil
	case "groupadd":
		f.groups[cmd.Args[0]] = true
		return &command.Result{}, nil
	case "groupdel":
		delete(f.groups, cmd.Args[0])
		return &command.Result{}, nil
	case "usermod":
		group, user := cmd.Args[2], cmd.Args[3]
		if f.members[group] == nil {
			f.members[group] = make(map[string]bool)
		}
		f.members[group][user] = true
		return &command.Result{}, nil
	case "gpasswd":
		user, group := cmd.Args[1], cmd.Args[2]
		if f.members[group] != nil {
			delete(f.members[group], user)
		}
		return &command.Result{}, nil
	default:
		return &command.Result{}, nil
	}
}

func (f *gitRunner) ExecAll(ctx context.Context, cmds []command.Command) ([]*command.Result, error) {
	results := make([]*command.Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := f.Exec(ctx, cmd)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (f *gitRunner) ExecWithInput(ctx context.Context, cmd command.Command, input string) (*command.Result, error) {
	return f.Exec(ctx, cmd)
}

func (f *gitRunner) Check(ctx context.Context, cmd command.Command) bool {
	res, err := f.Exec(ctx, cmd)
	return err == nil && res.ExitCode == 0
}

type fixture struct {
	store   session.Store
	runner  *gitRunner
	manager *Manager
}

func newFixture(t *testing.T, isolation bool) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	runner := newGitRunner()
	log := testLogger(t)

	execCfg := &config.ExecutionConfig{RunAsUnixUser: isolation}
	paths := &config.PathsConfig{HomeBase: "/home", DataHome: "/var/lib/agor"}
	unix := unixenv.NewManager(runner, log)

	return &fixture{
		store:   store,
		runner:  runner,
		manager: NewManager(store, unix, runner, execCfg, paths, log),
	}
}

func (f *fixture) seedUser(t *testing.T, id, unixUsername string) {
	t.Helper()
	user := &v1.User{ID: id, Name: id, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if unixUsername != "" {
		user.UnixUsername = &unixUsername
		f.runner.users[unixUsername] = true
	}
	require.NoError(t, f.store.CreateUser(context.Background(), user))
}

func (f *fixture) seedRepo(t *testing.T) *v1.Repo {
	t.Helper()
	f.runner.repos["/srv/repos/acme"] = true
	repo, err := f.manager.RegisterRepo(context.Background(), "acme", "/srv/repos/acme")
	require.NoError(t, err)
	return repo
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-login-bug", Slugify("Fix Login Bug"))
	assert.Equal(t, "a-b", Slugify("  a/b  "))
	assert.Equal(t, "", Slugify("///"))
}

func TestRegisterRepoDetectsDefaultBranch(t *testing.T) {
	f := newFixture(t, false)
	f.runner.repos["/srv/repos/acme"] = true

	repo, err := f.manager.RegisterRepo(context.Background(), "Acme", "/srv/repos/acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.Slug)
	assert.Equal(t, "main", repo.DefaultBranch)
}

func TestRegisterRepoRejectsNonGitPath(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.manager.RegisterRepo(context.Background(), "acme", "/srv/not-a-repo")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
}

func TestCreateWorktreeChecksOutAndRecordsOwner(t *testing.T) {
	f := newFixture(t, false)
	f.seedUser(t, "alice", "")
	repo := f.seedRepo(t)

	wt, err := f.manager.Create(context.Background(), "alice", &v1.CreateWorktreeRequest{
		RepoID: repo.ID,
		Name:   "Fix Login Bug",
	})
	require.NoError(t, err)

	assert.Equal(t, "fix-login-bug", wt.Name)
	assert.Equal(t, "agor/fix-login-bug", wt.Ref)
	assert.Equal(t, "main", wt.BaseRef)
	assert.Equal(t, v1.PermissionView, wt.OthersCan)
	assert.True(t, f.runner.has("worktree add"))

	owner, err := f.store.IsWorktreeOwner(context.Background(), wt.ID, "alice")
	require.NoError(t, err)
	assert.True(t, owner)
}

func TestCreateWorktreeProvisionsUnixGroup(t *testing.T) {
	f := newFixture(t, true)
	f.seedUser(t, "bob", "agor_bob")
	repo := f.seedRepo(t)

	wt, err := f.manager.Create(context.Background(), "bob", &v1.CreateWorktreeRequest{
		RepoID: repo.ID,
		Name:   "shared-work",
	})
	require.NoError(t, err)

	group, err := unixenv.GroupForWorktree(wt.ID)
	require.NoError(t, err)
	assert.True(t, f.runner.groups[group], "worktree group should exist")
	assert.True(t, f.runner.members[group]["agor_bob"], "creator should be in group")
	assert.True(t, f.runner.has("chgrp -R "+group))
	assert.True(t, f.runner.has("chmod g+s"))
	assert.True(t, f.runner.has("ln -sfn "+wt.Path))
}

func TestAddAndRemoveOwner(t *testing.T) {
	f := newFixture(t, true)
	f.seedUser(t, "bob", "agor_bob")
	f.seedUser(t, "carol", "agor_carol")
	repo := f.seedRepo(t)

	wt, err := f.manager.Create(context.Background(), "bob", &v1.CreateWorktreeRequest{
		RepoID: repo.ID,
		Name:   "shared",
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.AddOwner(context.Background(), wt.ID, "carol"))
	group, err := unixenv.GroupForWorktree(wt.ID)
	require.NoError(t, err)
	assert.True(t, f.runner.members[group]["agor_carol"])

	require.NoError(t, f.manager.RemoveOwner(context.Background(), wt.ID, "carol"))
	assert.False(t, f.runner.members[group]["agor_carol"])

	owner, err := f.store.IsWorktreeOwner(context.Background(), wt.ID, "carol")
	require.NoError(t, err)
	assert.False(t, owner)
}

func TestArchiveRemovesCheckoutAndGroup(t *testing.T) {
	f := newFixture(t, true)
	f.seedUser(t, "bob", "agor_bob")
	repo := f.seedRepo(t)

	wt, err := f.manager.Create(context.Background(), "bob", &v1.CreateWorktreeRequest{
		RepoID: repo.ID,
		Name:   "done-work",
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Archive(context.Background(), wt.ID))

	stored, err := f.store.GetWorktree(context.Background(), wt.ID)
	require.NoError(t, err)
	assert.True(t, stored.Archived)
	assert.True(t, f.runner.has("worktree remove"))

	group, err := unixenv.GroupForWorktree(wt.ID)
	require.NoError(t, err)
	assert.False(t, f.runner.groups[group], "group should be deleted")

	// Archiving twice is a no-op.
	require.NoError(t, f.manager.Archive(context.Background(), wt.ID))
}
