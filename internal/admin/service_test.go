package admin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/command"
	"github.com/13ty/agor-sub000/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// recordingRunner records commands and answers probes with canned results.
type recordingRunner struct {
	executed []string
	// probes maps a command prefix to whether the probe succeeds.
	probes map[string]bool
}

func (r *recordingRunner) Exec(ctx context.Context, cmd command.Command) (*command.Result, error) {
	r.executed = append(r.executed, cmd.String())
	for prefix, ok := range r.probes {
		if strings.HasPrefix(cmd.String(), prefix) {
			if ok {
				return &command.Result{ExitCode: 0, Stdout: "ok\n"}, nil
			}
			return &command.Result{ExitCode: 1}, nil
		}
	}
	return &command.Result{ExitCode: 0}, nil
}

func (r *recordingRunner) ExecAll(ctx context.Context, cmds []command.Command) ([]*command.Result, error) {
	results := make([]*command.Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := r.Exec(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *recordingRunner) ExecWithInput(ctx context.Context, cmd command.Command, input string) (*command.Result, error) {
	return r.Exec(ctx, cmd)
}

func (r *recordingRunner) Check(ctx context.Context, cmd command.Command) bool {
	res, err := r.Exec(ctx, cmd)
	return err == nil && res.ExitCode == 0
}

func (r *recordingRunner) has(prefix string) bool {
	for _, c := range r.executed {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestCreateWorktreeGroupDerivesName(t *testing.T) {
	r := &recordingRunner{probes: map[string]bool{"getent": false}}
	svc := NewService(r, testLogger(t))

	require.NoError(t, svc.CreateWorktreeGroup(context.Background(), "ab12cd34-0000-0000-0000-000000000000"))
	assert.True(t, r.has("groupadd agor_wt_ab12cd34"))
}

func TestCreateWorktreeGroupRejectsBadID(t *testing.T) {
	svc := NewService(&recordingRunner{}, testLogger(t))
	assert.Error(t, svc.CreateWorktreeGroup(context.Background(), "nope"))
}

func TestDeleteWorktreeGroupRefusesUnmanagedGroup(t *testing.T) {
	r := &recordingRunner{}
	svc := NewService(r, testLogger(t))

	assert.Error(t, svc.DeleteWorktreeGroup(context.Background(), "wheel"))
	assert.False(t, r.has("groupdel"))
}

func TestEnsureUserCreatesUserAndWorktreesDir(t *testing.T) {
	r := &recordingRunner{probes: map[string]bool{"id -u": false}}
	svc := NewService(r, testLogger(t))

	require.NoError(t, svc.EnsureUser(context.Background(), "alice", ""))
	assert.True(t, r.has("useradd"))
	assert.True(t, r.has("mkdir -p /home/alice/agor/worktrees"))
	assert.True(t, r.has("chown alice:alice"))
}

func TestEnsureUserNoOpWhenPresent(t *testing.T) {
	r := &recordingRunner{probes: map[string]bool{"id -u": true}}
	svc := NewService(r, testLogger(t))

	require.NoError(t, svc.EnsureUser(context.Background(), "alice", "/srv/homes"))
	assert.False(t, r.has("useradd"))
	// The worktrees directory is still converged.
	assert.True(t, r.has("mkdir -p /srv/homes/alice/agor/worktrees"))
}

func TestRemoveFromWorktreeGroupValidatesPrefix(t *testing.T) {
	r := &recordingRunner{}
	svc := NewService(r, testLogger(t))

	assert.Error(t, svc.RemoveFromWorktreeGroup(context.Background(), "alice", "sudo"))
	assert.False(t, r.has("gpasswd"))
}

func TestSyncUserSymlinksMissingDirIsNoOp(t *testing.T) {
	svc := NewService(&recordingRunner{}, testLogger(t))
	require.NoError(t, svc.SyncUserSymlinks(context.Background(), "alice", t.TempDir()))
}

func TestAdminCommandTree(t *testing.T) {
	root := NewCommand()
	assert.Equal(t, "admin", root.Name())

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{
		"create-worktree-group", "delete-worktree-group", "ensure-user",
		"delete-user", "remove-from-worktree-group", "remove-symlink",
		"sync-user-symlinks",
	} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
