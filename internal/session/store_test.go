package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/db"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// storeFactories runs every test against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			pool, err := db.OpenSQLiteFile(filepath.Join(t.TempDir(), "agor.db"))
			require.NoError(t, err)
			store, err := NewSQLStore(pool)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

// seedSession creates the user/repo/worktree/session chain most tests need.
func seedSession(t *testing.T, store Store) *v1.Session {
	t.Helper()
	ctx := context.Background()

	unixUsername := "alice"
	user := &v1.User{ID: uuid.NewString(), Name: "Alice", UnixUsername: &unixUsername}
	require.NoError(t, store.CreateUser(ctx, user))

	repo := &v1.Repo{ID: uuid.NewString(), Slug: "acme/api", DefaultBranch: "main", LocalPath: "/srv/repos/acme-api.git"}
	require.NoError(t, store.CreateRepo(ctx, repo))

	worktree := &v1.Worktree{ID: uuid.NewString(), RepoID: repo.ID, Name: "feature-x", Path: "/srv/worktrees/feature-x"}
	require.NoError(t, store.CreateWorktree(ctx, worktree))
	require.NoError(t, store.AddWorktreeOwner(ctx, worktree.ID, user.ID))

	sess := &v1.Session{
		ID:           uuid.NewString(),
		WorktreeID:   worktree.ID,
		CreatedBy:    user.ID,
		UnixUsername: &unixUsername,
		AgenticTool:  v1.ToolClaudeCode,
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	return sess
}

func TestSessionDefaultsToIdle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		sess := seedSession(t, store)

		got, err := store.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStatusIdle, got.Status)
		assert.False(t, got.ReadyForPrompt)
		assert.Equal(t, v1.ToolClaudeCode, got.AgenticTool)
		require.NotNil(t, got.UnixUsername)
		assert.Equal(t, "alice", *got.UnixUsername)
	})
}

func TestUpdateSessionPreservesIdentity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		patched := *sess
		patched.Title = "renamed"
		patched.CreatedBy = "intruder"
		other := "mallory"
		patched.UnixUsername = &other
		require.NoError(t, store.UpdateSession(ctx, &patched))

		got, err := store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Title)
		assert.Equal(t, sess.CreatedBy, got.CreatedBy, "created_by must never change")
		require.NotNil(t, got.UnixUsername)
		assert.Equal(t, "alice", *got.UnixUsername, "unix_username must never change")
	})
}

func TestTaskSequenceMonotonicPerSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		for i := 1; i <= 3; i++ {
			task := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "do it"}
			require.NoError(t, store.CreateTask(ctx, task))
			assert.Equal(t, i, task.Sequence)
		}

		tasks, err := store.ListTasks(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(t, v1.TaskStatusPending, tasks[0].Status)
	})
}

func TestTaskStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		task := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "p"}
		require.NoError(t, store.CreateTask(ctx, task))

		require.NoError(t, store.SetTaskStatus(ctx, task.ID, v1.TaskStatusRunning, "", ""))
		got, err := store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		require.NoError(t, store.SetTaskStatus(ctx, task.ID, v1.TaskStatusCompleted, "", ""))
		got, err = store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)

		// Terminal tasks never transition again.
		err = store.SetTaskStatus(ctx, task.ID, v1.TaskStatusRunning, "", "")
		assert.ErrorIs(t, err, ErrTaskTerminal)
	})
}

func TestActiveAndPendingTaskLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		running := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "a"}
		require.NoError(t, store.CreateTask(ctx, running))
		require.NoError(t, store.SetTaskStatus(ctx, running.ID, v1.TaskStatusRunning, "", ""))

		queued := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "b"}
		require.NoError(t, store.CreateTask(ctx, queued))

		active, err := store.ActiveTask(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, running.ID, active.ID)

		pending, err := store.NextPendingTask(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, queued.ID, pending.ID)

		require.NoError(t, store.SetTaskStatus(ctx, running.ID, v1.TaskStatusCompleted, "", ""))
		_, err = store.ActiveTask(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMessageSequencePerTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		task := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "p"}
		require.NoError(t, store.CreateTask(ctx, task))

		for i := 1; i <= 3; i++ {
			msg := &v1.Message{
				ID:        uuid.NewString(),
				TaskID:    task.ID,
				SessionID: sess.ID,
				Role:      v1.RoleAssistant,
				Content:   "chunk aggregate",
				Metadata:  map[string]any{"model": "opus"},
			}
			require.NoError(t, store.CreateMessage(ctx, msg))
			assert.Equal(t, i, msg.Sequence)
		}

		messages, err := store.ListMessages(ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "opus", messages[0].Metadata["model"])
	})
}

func TestMessageRejectedAfterTaskTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		task := &v1.Task{ID: uuid.NewString(), SessionID: sess.ID, Prompt: "p"}
		require.NoError(t, store.CreateTask(ctx, task))
		require.NoError(t, store.SetTaskStatus(ctx, task.ID, v1.TaskStatusStopped, "", ""))

		err := store.CreateMessage(ctx, &v1.Message{
			ID: uuid.NewString(), TaskID: task.ID, SessionID: sess.ID,
			Role: v1.RoleAssistant, Content: "too late",
		})
		assert.ErrorIs(t, err, ErrTaskTerminal)
	})
}

func TestListSessionsFiltering(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		archived := *sess
		archived.Archived = true
		require.NoError(t, store.UpdateSession(ctx, &archived))

		visible, err := store.ListSessions(ctx, ListSessionsOptions{})
		require.NoError(t, err)
		assert.Empty(t, visible)

		all, err := store.ListSessions(ctx, ListSessionsOptions{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, all, 1)

		byWorktree, err := store.ListSessions(ctx, ListSessionsOptions{
			WorktreeID: sess.WorktreeID, IncludeArchived: true,
		})
		require.NoError(t, err)
		assert.Len(t, byWorktree, 1)

		byOther, err := store.ListSessions(ctx, ListSessionsOptions{
			WorktreeID: uuid.NewString(), IncludeArchived: true,
		})
		require.NoError(t, err)
		assert.Empty(t, byOther)
	})
}

func TestWorktreeOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess := seedSession(t, store)

		ok, err := store.IsWorktreeOwner(ctx, sess.WorktreeID, sess.CreatedBy)
		require.NoError(t, err)
		assert.True(t, ok)

		// Adding the same owner twice is a no-op.
		require.NoError(t, store.AddWorktreeOwner(ctx, sess.WorktreeID, sess.CreatedBy))
		owners, err := store.ListWorktreeOwners(ctx, sess.WorktreeID)
		require.NoError(t, err)
		assert.Len(t, owners, 1)

		require.NoError(t, store.RemoveWorktreeOwner(ctx, sess.WorktreeID, sess.CreatedBy))
		ok, err = store.IsWorktreeOwner(ctx, sess.WorktreeID, sess.CreatedBy)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestGetMissingRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.GetSession(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetTask(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetUser(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetWorktree(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
