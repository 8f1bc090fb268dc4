package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/13ty/agor-sub000/internal/db"
	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// SQLStore implements Store over sqlite or postgres. Query text is
// written with ? placeholders and rebound per dialect.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.pool.Close() }

func (s *SQLStore) writer() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) reader() *sqlx.DB { return s.pool.Reader() }

// initSchema creates the tables if they don't exist. The DDL is kept to
// the subset both sqlite and postgres accept; booleans are always
// written explicitly so no dialect-specific defaults are needed.
func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			unix_username TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS repos (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			default_branch TEXT NOT NULL,
			local_path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			repo_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			base_ref TEXT NOT NULL,
			ref TEXT NOT NULL,
			others_can TEXT NOT NULL,
			archived BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (repo_id) REFERENCES repos(id)
		)`,
		`CREATE TABLE IF NOT EXISTS worktree_owners (
			worktree_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (worktree_id, user_id),
			FOREIGN KEY (worktree_id) REFERENCES worktrees(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worktree_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			unix_username TEXT,
			agentic_tool TEXT NOT NULL,
			status TEXT NOT NULL,
			ready_for_prompt BOOLEAN NOT NULL,
			title TEXT NOT NULL,
			archived BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY (worktree_id) REFERENCES worktrees(id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			permission_mode TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_code TEXT NOT NULL,
			error_detail TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			UNIQUE (session_id, sequence),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (task_id, sequence),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_repo_id ON worktrees(repo_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_worktree_id ON sessions(worktree_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- users ---

func (s *SQLStore) CreateUser(ctx context.Context, user *v1.User) error {
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`INSERT INTO users (id, name, email, unix_username, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		user.ID, user.Name, user.Email, user.UnixUsername, user.CreatedAt, user.UpdatedAt)
	return err
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*v1.User, error) {
	var user v1.User
	err := s.reader().GetContext(ctx, &user,
		s.reader().Rebind(`SELECT * FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, user *v1.User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`UPDATE users SET name = ?, email = ?, unix_username = ?, updated_at = ? WHERE id = ?`),
		user.Name, user.Email, user.UnixUsername, user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]*v1.User, error) {
	var users []*v1.User
	err := s.reader().SelectContext(ctx, &users, `SELECT * FROM users ORDER BY created_at`)
	return users, err
}

// --- repos ---

func (s *SQLStore) CreateRepo(ctx context.Context, repo *v1.Repo) error {
	now := time.Now().UTC()
	repo.CreatedAt, repo.UpdatedAt = now, now
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`INSERT INTO repos (id, slug, default_branch, local_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		repo.ID, repo.Slug, repo.DefaultBranch, repo.LocalPath, repo.CreatedAt, repo.UpdatedAt)
	return err
}

func (s *SQLStore) GetRepo(ctx context.Context, id string) (*v1.Repo, error) {
	var repo v1.Repo
	err := s.reader().GetContext(ctx, &repo,
		s.reader().Rebind(`SELECT * FROM repos WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *SQLStore) ListRepos(ctx context.Context) ([]*v1.Repo, error) {
	var repos []*v1.Repo
	err := s.reader().SelectContext(ctx, &repos, `SELECT * FROM repos ORDER BY slug`)
	return repos, err
}

// --- worktrees ---

func (s *SQLStore) CreateWorktree(ctx context.Context, worktree *v1.Worktree) error {
	now := time.Now().UTC()
	worktree.CreatedAt, worktree.UpdatedAt = now, now
	if worktree.OthersCan == "" {
		worktree.OthersCan = v1.PermissionView
	}
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`INSERT INTO worktrees (id, repo_id, name, path, base_ref, ref, others_can, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		worktree.ID, worktree.RepoID, worktree.Name, worktree.Path, worktree.BaseRef,
		worktree.Ref, worktree.OthersCan, worktree.Archived, worktree.CreatedAt, worktree.UpdatedAt)
	return err
}

func (s *SQLStore) GetWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	var worktree v1.Worktree
	err := s.reader().GetContext(ctx, &worktree,
		s.reader().Rebind(`SELECT * FROM worktrees WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &worktree, nil
}

func (s *SQLStore) UpdateWorktree(ctx context.Context, worktree *v1.Worktree) error {
	worktree.UpdatedAt = time.Now().UTC()
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`UPDATE worktrees SET base_ref = ?, ref = ?, others_can = ?, archived = ?, updated_at = ?
		 WHERE id = ?`),
		worktree.BaseRef, worktree.Ref, worktree.OthersCan, worktree.Archived,
		worktree.UpdatedAt, worktree.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListWorktrees(ctx context.Context) ([]*v1.Worktree, error) {
	var worktrees []*v1.Worktree
	err := s.reader().SelectContext(ctx, &worktrees, `SELECT * FROM worktrees ORDER BY created_at`)
	return worktrees, err
}

// --- worktree ownership ---

func (s *SQLStore) AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	ok, err := s.IsWorktreeOwner(ctx, worktreeID, userID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = s.writer().ExecContext(ctx, s.writer().Rebind(
		`INSERT INTO worktree_owners (worktree_id, user_id, created_at) VALUES (?, ?, ?)`),
		worktreeID, userID, time.Now().UTC())
	return err
}

func (s *SQLStore) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM worktree_owners WHERE worktree_id = ? AND user_id = ?`),
		worktreeID, userID)
	return err
}

func (s *SQLStore) ListWorktreeOwners(ctx context.Context, worktreeID string) ([]string, error) {
	var owners []string
	err := s.reader().SelectContext(ctx, &owners, s.reader().Rebind(
		`SELECT user_id FROM worktree_owners WHERE worktree_id = ? ORDER BY created_at`), worktreeID)
	return owners, err
}

func (s *SQLStore) IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, s.reader().Rebind(
		`SELECT COUNT(*) FROM worktree_owners WHERE worktree_id = ? AND user_id = ?`),
		worktreeID, userID)
	return count > 0, err
}

// --- sessions ---

func (s *SQLStore) CreateSession(ctx context.Context, session *v1.Session) error {
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now
	if session.Status == "" {
		session.Status = v1.SessionStatusIdle
	}
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`INSERT INTO sessions (id, worktree_id, created_by, unix_username, agentic_tool,
			status, ready_for_prompt, title, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.WorktreeID, session.CreatedBy, session.UnixUsername,
		session.AgenticTool, session.Status, session.ReadyForPrompt, session.Title,
		session.Archived, session.CreatedAt, session.UpdatedAt)
	return err
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	var session v1.Session
	err := s.reader().GetContext(ctx, &session,
		s.reader().Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSession persists the mutable session fields. created_by and
// unix_username are deliberately absent from the SET list; the schema is
// the last line of defense for their immutability.
func (s *SQLStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.UpdatedAt = time.Now().UTC()
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`UPDATE sessions SET status = ?, ready_for_prompt = ?, title = ?, archived = ?, updated_at = ?
		 WHERE id = ?`),
		session.Status, session.ReadyForPrompt, session.Title, session.Archived,
		session.UpdatedAt, session.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*v1.Session, error) {
	query := `SELECT * FROM sessions`
	var conds []string
	var args []any
	if opts.WorktreeID != "" {
		conds = append(conds, `worktree_id = ?`)
		args = append(args, opts.WorktreeID)
	}
	if !opts.IncludeArchived {
		conds = append(conds, `archived = ?`)
		args = append(args, false)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at"

	var sessions []*v1.Session
	err := s.reader().SelectContext(ctx, &sessions, s.reader().Rebind(query), args...)
	return sessions, err
}

func (s *SQLStore) SetSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLStore) SetReadyForPrompt(ctx context.Context, id string, ready bool) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`UPDATE sessions SET ready_for_prompt = ?, updated_at = ? WHERE id = ?`),
		ready, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- tasks ---

func (s *SQLStore) CreateTask(ctx context.Context, task *v1.Task) error {
	task.CreatedAt = time.Now().UTC()
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Per-session monotonic sequence. The UNIQUE(session_id, sequence)
	// constraint catches the postgres race; sqlite's single writer
	// connection serializes this transaction anyway.
	if err := tx.GetContext(ctx, &task.Sequence, tx.Rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM tasks WHERE session_id = ?`),
		task.SessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO tasks (id, session_id, sequence, prompt, permission_mode, status,
			error_code, error_detail, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.SessionID, task.Sequence, task.Prompt, task.PermissionMode, task.Status,
		task.ErrorCode, task.ErrorDetail, task.CreatedAt, task.StartedAt, task.CompletedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	var task v1.Task
	err := s.reader().GetContext(ctx, &task,
		s.reader().Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, sessionID string) ([]*v1.Task, error) {
	var tasks []*v1.Task
	err := s.reader().SelectContext(ctx, &tasks, s.reader().Rebind(
		`SELECT * FROM tasks WHERE session_id = ? ORDER BY sequence`), sessionID)
	return tasks, err
}

// ActiveTask returns the session's RUNNING or STOPPING task, if any.
func (s *SQLStore) ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	var task v1.Task
	err := s.reader().GetContext(ctx, &task, s.reader().Rebind(
		`SELECT * FROM tasks WHERE session_id = ? AND status IN (?, ?) ORDER BY sequence LIMIT 1`),
		sessionID, v1.TaskStatusRunning, v1.TaskStatusStopping)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// NextPendingTask returns the oldest queued task of the session.
func (s *SQLStore) NextPendingTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	var task v1.Task
	err := s.reader().GetContext(ctx, &task, s.reader().Rebind(
		`SELECT * FROM tasks WHERE session_id = ? AND status = ? ORDER BY sequence LIMIT 1`),
		sessionID, v1.TaskStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SetTaskStatus transitions a task. Terminal tasks are immutable; moving
// to RUNNING stamps started_at, reaching a terminal state stamps
// completed_at.
func (s *SQLStore) SetTaskStatus(ctx context.Context, id string, status v1.TaskStatus, errorCode, errorDetail string) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current v1.Task
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, current.Status)
	}

	now := time.Now().UTC()
	startedAt := current.StartedAt
	if status == v1.TaskStatusRunning && startedAt == nil {
		startedAt = &now
	}
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE tasks SET status = ?, error_code = ?, error_detail = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`),
		status, errorCode, errorDetail, startedAt, completedAt, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- messages ---

type messageRow struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	SessionID string    `db:"session_id"`
	Sequence  int       `db:"sequence"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *messageRow) toMessage() (*v1.Message, error) {
	msg := &v1.Message{
		ID:        r.ID,
		TaskID:    r.TaskID,
		SessionID: r.SessionID,
		Sequence:  r.Sequence,
		Role:      v1.MessageRole(r.Role),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return msg, nil
}

// CreateMessage appends to the task transcript. Appending to a terminal
// task is rejected so transcripts freeze at finalization.
func (s *SQLStore) CreateMessage(ctx context.Context, message *v1.Message) error {
	message.CreatedAt = time.Now().UTC()

	metadata := "{}"
	if message.Metadata != nil {
		raw, err := json.Marshal(message.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status v1.TaskStatus
	err = tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM tasks WHERE id = ?`), message.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: cannot append message to task %s", ErrTaskTerminal, message.TaskID)
	}

	if err := tx.GetContext(ctx, &message.Sequence, tx.Rebind(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE task_id = ?`),
		message.TaskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO messages (id, task_id, session_id, sequence, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		message.ID, message.TaskID, message.SessionID, message.Sequence,
		message.Role, message.Content, metadata, message.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, taskID string) ([]*v1.Message, error) {
	var rows []*messageRow
	if err := s.reader().SelectContext(ctx, &rows, s.reader().Rebind(
		`SELECT * FROM messages WHERE task_id = ? ORDER BY sequence`), taskID); err != nil {
		return nil, err
	}
	return rowsToMessages(rows)
}

func (s *SQLStore) ListSessionMessages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	var rows []*messageRow
	if err := s.reader().SelectContext(ctx, &rows, s.reader().Rebind(
		`SELECT * FROM messages WHERE session_id = ? ORDER BY created_at, sequence`), sessionID); err != nil {
		return nil, err
	}
	return rowsToMessages(rows)
}

func rowsToMessages(rows []*messageRow) ([]*v1.Message, error) {
	messages := make([]*v1.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
