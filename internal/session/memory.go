package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "github.com/13ty/agor-sub000/pkg/api/v1"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*v1.User
	repos     map[string]*v1.Repo
	worktrees map[string]*v1.Worktree
	owners    map[string]map[string]bool // worktree id -> user ids
	sessions  map[string]*v1.Session
	tasks     map[string]*v1.Task
	messages  map[string][]*v1.Message // task id -> ordered messages
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*v1.User),
		repos:     make(map[string]*v1.Repo),
		worktrees: make(map[string]*v1.Worktree),
		owners:    make(map[string]map[string]bool),
		sessions:  make(map[string]*v1.Session),
		tasks:     make(map[string]*v1.Task),
		messages:  make(map[string][]*v1.Message),
	}
}

func (m *MemoryStore) Close() error { return nil }

// --- users ---

func (m *MemoryStore) CreateUser(ctx context.Context, user *v1.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*v1.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, user *v1.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context) ([]*v1.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*v1.User, 0, len(m.users))
	for _, user := range m.users {
		clone := *user
		users = append(users, &clone)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

// --- repos ---

func (m *MemoryStore) CreateRepo(ctx context.Context, repo *v1.Repo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	repo.CreatedAt, repo.UpdatedAt = now, now
	clone := *repo
	m.repos[repo.ID] = &clone
	return nil
}

func (m *MemoryStore) GetRepo(ctx context.Context, id string) (*v1.Repo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *repo
	return &clone, nil
}

func (m *MemoryStore) ListRepos(ctx context.Context) ([]*v1.Repo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repos := make([]*v1.Repo, 0, len(m.repos))
	for _, repo := range m.repos {
		clone := *repo
		repos = append(repos, &clone)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Slug < repos[j].Slug })
	return repos, nil
}

// --- worktrees ---

func (m *MemoryStore) CreateWorktree(ctx context.Context, worktree *v1.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	worktree.CreatedAt, worktree.UpdatedAt = now, now
	if worktree.OthersCan == "" {
		worktree.OthersCan = v1.PermissionView
	}
	clone := *worktree
	m.worktrees[worktree.ID] = &clone
	return nil
}

func (m *MemoryStore) GetWorktree(ctx context.Context, id string) (*v1.Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worktree, ok := m.worktrees[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *worktree
	return &clone, nil
}

func (m *MemoryStore) UpdateWorktree(ctx context.Context, worktree *v1.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.worktrees[worktree.ID]; !ok {
		return ErrNotFound
	}
	worktree.UpdatedAt = time.Now().UTC()
	clone := *worktree
	m.worktrees[worktree.ID] = &clone
	return nil
}

func (m *MemoryStore) ListWorktrees(ctx context.Context) ([]*v1.Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worktrees := make([]*v1.Worktree, 0, len(m.worktrees))
	for _, worktree := range m.worktrees {
		clone := *worktree
		worktrees = append(worktrees, &clone)
	}
	sort.Slice(worktrees, func(i, j int) bool { return worktrees[i].CreatedAt.Before(worktrees[j].CreatedAt) })
	return worktrees, nil
}

// --- worktree ownership ---

func (m *MemoryStore) AddWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[worktreeID] == nil {
		m.owners[worktreeID] = make(map[string]bool)
	}
	m.owners[worktreeID][userID] = true
	return nil
}

func (m *MemoryStore) RemoveWorktreeOwner(ctx context.Context, worktreeID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[worktreeID] != nil {
		delete(m.owners[worktreeID], userID)
	}
	return nil
}

func (m *MemoryStore) ListWorktreeOwners(ctx context.Context, worktreeID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]string, 0, len(m.owners[worktreeID]))
	for userID := range m.owners[worktreeID] {
		owners = append(owners, userID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (m *MemoryStore) IsWorktreeOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[worktreeID][userID], nil
}

// --- sessions ---

func (m *MemoryStore) CreateSession(ctx context.Context, session *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now
	if session.Status == "" {
		session.Status = v1.SessionStatusIdle
	}
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	// created_by and unix_username never change after creation.
	session.CreatedBy = existing.CreatedBy
	session.UnixUsername = existing.UnixUsername
	session.UpdatedAt = time.Now().UTC()
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*v1.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if opts.WorktreeID != "" && session.WorktreeID != opts.WorktreeID {
			continue
		}
		if !opts.IncludeArchived && session.Archived {
			continue
		}
		clone := *session
		sessions = append(sessions, &clone)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

func (m *MemoryStore) SetSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetReadyForPrompt(ctx context.Context, id string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.ReadyForPrompt = ready
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// --- tasks ---

func (m *MemoryStore) CreateTask(ctx context.Context, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = time.Now().UTC()
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	maxSeq := 0
	for _, t := range m.tasks {
		if t.SessionID == task.SessionID && t.Sequence > maxSeq {
			maxSeq = t.Sequence
		}
	}
	task.Sequence = maxSeq + 1
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, sessionID string) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tasks []*v1.Task
	for _, task := range m.tasks {
		if task.SessionID == sessionID {
			clone := *task
			tasks = append(tasks, &clone)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })
	return tasks, nil
}

func (m *MemoryStore) ActiveTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := m.tasksByStatus(sessionID, v1.TaskStatusRunning, v1.TaskStatusStopping)
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

func (m *MemoryStore) NextPendingTask(ctx context.Context, sessionID string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := m.tasksByStatus(sessionID, v1.TaskStatusPending)
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

// tasksByStatus returns cloned tasks ordered by sequence; callers hold the lock.
func (m *MemoryStore) tasksByStatus(sessionID string, statuses ...v1.TaskStatus) []*v1.Task {
	var tasks []*v1.Task
	for _, task := range m.tasks {
		if task.SessionID != sessionID {
			continue
		}
		for _, status := range statuses {
			if task.Status == status {
				clone := *task
				tasks = append(tasks, &clone)
				break
			}
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })
	return tasks
}

func (m *MemoryStore) SetTaskStatus(ctx context.Context, id string, status v1.TaskStatus, errorCode, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
	}
	now := time.Now().UTC()
	if status == v1.TaskStatusRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if status.Terminal() {
		task.CompletedAt = &now
	}
	task.Status = status
	task.ErrorCode = errorCode
	task.ErrorDetail = errorDetail
	return nil
}

// --- messages ---

func (m *MemoryStore) CreateMessage(ctx context.Context, message *v1.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[message.TaskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: cannot append message to task %s", ErrTaskTerminal, message.TaskID)
	}
	message.CreatedAt = time.Now().UTC()
	message.Sequence = len(m.messages[message.TaskID]) + 1
	clone := *message
	m.messages[message.TaskID] = append(m.messages[message.TaskID], &clone)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, taskID string) ([]*v1.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages := make([]*v1.Message, 0, len(m.messages[taskID]))
	for _, msg := range m.messages[taskID] {
		clone := *msg
		messages = append(messages, &clone)
	}
	return messages, nil
}

func (m *MemoryStore) ListSessionMessages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var messages []*v1.Message
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.SessionID == sessionID {
				clone := *msg
				messages = append(messages, &clone)
			}
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].TaskID != messages[j].TaskID {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].Sequence < messages[j].Sequence
	})
	return messages, nil
}

var _ Store = (*MemoryStore)(nil)
