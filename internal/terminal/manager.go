// Package terminal runs interactive user shells in PTYs. Each terminal is
// owned by one user and, when unix isolation is enabled, runs as that
// user's unix account inside the worktree it was opened on.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/config"
	apperrors "github.com/13ty/agor-sub000/internal/common/errors"
	"github.com/13ty/agor-sub000/internal/common/logger"
	"github.com/13ty/agor-sub000/internal/unixenv"
)

const (
	defaultShell = "/bin/bash"

	// scrollbackLimit caps the replay buffer per terminal. Reconnecting
	// clients get at most this many bytes of history.
	scrollbackLimit = 256 * 1024

	defaultCols = 80
	defaultRows = 24
)

// StartOptions describes the shell to spawn.
type StartOptions struct {
	TerminalID   string
	UserID       string
	UnixUsername string // empty when unix isolation is off
	WorkDir      string
	Shell        string
	Cols, Rows   uint16
}

// Terminal is one live PTY-backed shell.
type Terminal struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	ptyFile *os.File
	cmd     *exec.Cmd

	mu         sync.Mutex
	scrollback []byte
	output     io.Writer // nil when no client is attached
	exited     bool
}

// Manager tracks live terminals keyed by owner and terminal id.
type Manager struct {
	execCfg *config.ExecutionConfig
	logger  *logger.Logger

	mu        sync.Mutex
	terminals map[string]*Terminal
}

// NewManager creates a terminal manager.
func NewManager(execCfg *config.ExecutionConfig, log *logger.Logger) *Manager {
	return &Manager{
		execCfg:   execCfg,
		logger:    log.WithFields(zap.String("component", "terminal_manager")),
		terminals: make(map[string]*Terminal),
	}
}

func terminalKey(userID, terminalID string) string {
	return userID + "/" + terminalID
}

// Ensure returns the live terminal for the key, spawning one when absent.
// A terminal whose shell exited is replaced.
func (m *Manager) Ensure(ctx context.Context, opts StartOptions) (*Terminal, error) {
	if opts.TerminalID == "" || opts.UserID == "" {
		return nil, apperrors.InvalidInput("terminal id and user id are required")
	}

	key := terminalKey(opts.UserID, opts.TerminalID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.terminals[key]; ok {
		t.mu.Lock()
		alive := !t.exited
		t.mu.Unlock()
		if alive {
			return t, nil
		}
		delete(m.terminals, key)
	}

	t, err := m.spawn(opts)
	if err != nil {
		return nil, err
	}
	m.terminals[key] = t

	go m.readLoop(key, t)
	go m.reap(key, t)

	m.logger.Info("terminal started",
		zap.String("terminal_id", opts.TerminalID),
		zap.String("user_id", opts.UserID),
		zap.String("unix_user", opts.UnixUsername),
		zap.String("work_dir", opts.WorkDir))
	return t, nil
}

func (m *Manager) spawn(opts StartOptions) (*Terminal, error) {
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell
	}

	name, args := shell, []string(nil)
	if m.execCfg.RunAsUnixUser && opts.UnixUsername != "" {
		var err error
		name, args, err = unixenv.BuildSpawnArgs(shell, nil, unixenv.SpawnOpts{
			AsUser:      opts.UnixUsername,
			FreshGroups: true,
		})
		if err != nil {
			return nil, apperrors.CommandFailed("build shell spawn args", err)
		}
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, apperrors.CommandFailed(fmt.Sprintf("start shell %s", shell), err)
	}

	return &Terminal{
		ID:        opts.TerminalID,
		UserID:    opts.UserID,
		CreatedAt: time.Now().UTC(),
		ptyFile:   f,
		cmd:       cmd,
	}, nil
}

// readLoop drains the PTY into the scrollback buffer and the attached
// output writer.
func (m *Manager) readLoop(key string, t *Terminal) {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptyFile.Read(buf)
		if n > 0 {
			t.deliver(buf[:n])
		}
		if err != nil {
			t.mu.Lock()
			t.exited = true
			t.mu.Unlock()
			return
		}
	}
}

// reap waits for the shell to exit and drops the terminal from the map.
func (m *Manager) reap(key string, t *Terminal) {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.exited = true
	t.mu.Unlock()
	_ = t.ptyFile.Close()

	m.mu.Lock()
	if cur, ok := m.terminals[key]; ok && cur == t {
		delete(m.terminals, key)
	}
	m.mu.Unlock()

	m.logger.Info("terminal exited",
		zap.String("terminal_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.Error(err))
}

// Get returns the live terminal for the user, if any.
func (m *Manager) Get(userID, terminalID string) (*Terminal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[terminalKey(userID, terminalID)]
	return t, ok
}

// Stop terminates the terminal's shell.
func (m *Manager) Stop(userID, terminalID string) error {
	m.mu.Lock()
	t, ok := m.terminals[terminalKey(userID, terminalID)]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("terminal", terminalID)
	}
	return t.kill()
}

// StopAll terminates every live terminal. Used on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.mu.Unlock()

	for _, t := range terminals {
		_ = t.kill()
	}
}

// Count returns the number of live terminals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminals)
}

func (t *Terminal) kill() error {
	t.mu.Lock()
	exited := t.exited
	t.mu.Unlock()
	if exited {
		return nil
	}
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// Write sends input to the shell.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	exited := t.exited
	t.mu.Unlock()
	if exited {
		return 0, io.ErrClosedPipe
	}
	return t.ptyFile.Write(p)
}

// Resize changes the PTY window size.
func (t *Terminal) Resize(cols, rows uint16) error {
	return pty.Setsize(t.ptyFile, &pty.Winsize{Cols: cols, Rows: rows})
}

// Attach replays the scrollback into w, then routes live output to it.
// Any previously attached writer is replaced.
func (t *Terminal) Attach(w io.Writer) error {
	t.mu.Lock()
	history := make([]byte, len(t.scrollback))
	copy(history, t.scrollback)
	t.output = w
	t.mu.Unlock()

	if len(history) > 0 {
		if _, err := w.Write(history); err != nil {
			return err
		}
	}
	return nil
}

// Detach stops routing output to the attached writer. The shell keeps
// running so the client can reconnect.
func (t *Terminal) Detach(w io.Writer) {
	t.mu.Lock()
	if t.output == w {
		t.output = nil
	}
	t.mu.Unlock()
}

// Exited reports whether the shell has terminated.
func (t *Terminal) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}

func (t *Terminal) deliver(p []byte) {
	t.mu.Lock()
	t.scrollback = append(t.scrollback, p...)
	if over := len(t.scrollback) - scrollbackLimit; over > 0 {
		t.scrollback = t.scrollback[over:]
	}
	out := t.output
	t.mu.Unlock()

	if out != nil {
		if _, err := out.Write(p); err != nil {
			t.mu.Lock()
			if t.output == out {
				t.output = nil
			}
			t.mu.Unlock()
		}
	}
}
