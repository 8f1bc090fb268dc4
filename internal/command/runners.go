package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// Direct executes commands as the current process identity.
type Direct struct{}

// NewDirect creates a runner that executes as the daemon's own user.
func NewDirect() *Direct { return &Direct{} }

func (d *Direct) Exec(ctx context.Context, cmd Command) (*Result, error) {
	return run(ctx, cmd.Name, cmd.Args, "")
}

func (d *Direct) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	return execAll(ctx, d, cmds)
}

func (d *Direct) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	return run(ctx, cmd.Name, cmd.Args, input)
}

func (d *Direct) Check(ctx context.Context, cmd Command) bool {
	return check(ctx, d, cmd)
}

// SudoDirect prepends "sudo -n" to every command. The -n flag makes sudo
// fail instead of prompting; a password prompt would block the daemon.
type SudoDirect struct{}

// NewSudoDirect creates a runner that escalates through non-interactive sudo.
func NewSudoDirect() *SudoDirect { return &SudoDirect{} }

func (s *SudoDirect) Exec(ctx context.Context, cmd Command) (*Result, error) {
	return run(ctx, "sudo", append([]string{"-n", cmd.Name}, cmd.Args...), "")
}

func (s *SudoDirect) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	return execAll(ctx, s, cmds)
}

func (s *SudoDirect) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	return run(ctx, "sudo", append([]string{"-n", cmd.Name}, cmd.Args...), input)
}

func (s *SudoDirect) Check(ctx context.Context, cmd Command) bool {
	return check(ctx, s, cmd)
}

// SudoCLI routes commands through "sudo -n agor admin <subcommand> <args>".
// This is the only path by which the daemon triggers privileged unix
// mutations; the sudoers policy restricts -n to exactly the admin set.
type SudoCLI struct {
	// Binary is the agor CLI path; defaults to "agor".
	Binary string
}

// NewSudoCLI creates a runner that delegates to the admin gateway.
func NewSudoCLI(binary string) *SudoCLI {
	if binary == "" {
		binary = "agor"
	}
	return &SudoCLI{Binary: binary}
}

func (s *SudoCLI) Exec(ctx context.Context, cmd Command) (*Result, error) {
	args := append([]string{"-n", s.Binary, "admin", cmd.Name}, cmd.Args...)
	return run(ctx, "sudo", args, "")
}

func (s *SudoCLI) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	return execAll(ctx, s, cmds)
}

// ExecWithInput is unsupported: arguments to the admin gateway travel
// through sudo and a stdin pipe cannot be threaded through it safely.
func (s *SudoCLI) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	return nil, ErrInputUnsupported
}

func (s *SudoCLI) Check(ctx context.Context, cmd Command) bool {
	return check(ctx, s, cmd)
}

// NoOp logs intent and succeeds without side effects. Checks report false
// so callers take the "needs mutation" path, which NoOp then swallows.
type NoOp struct {
	logger *logger.Logger
}

// NewNoOp creates a runner that only logs.
func NewNoOp(log *logger.Logger) *NoOp {
	return &NoOp{logger: log.WithFields(zap.String("runner", "noop"))}
}

func (n *NoOp) Exec(ctx context.Context, cmd Command) (*Result, error) {
	n.logger.Info("would exec", zap.String("command", cmd.String()))
	return &Result{ExitCode: 0}, nil
}

func (n *NoOp) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	results := make([]*Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, _ := n.Exec(ctx, cmd)
		results = append(results, res)
	}
	return results, nil
}

func (n *NoOp) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	n.logger.Info("would exec with stdin input",
		zap.String("command", cmd.String()),
		zap.Int("input_len", len(input)))
	return &Result{ExitCode: 0}, nil
}

func (n *NoOp) Check(ctx context.Context, cmd Command) bool {
	n.logger.Info("would check", zap.String("command", cmd.String()))
	return false
}

// run starts argv and collects its output. A non-zero exit is not an
// error; it is reported through Result.ExitCode.
func run(ctx context.Context, name string, args []string, input string) (*Result, error) {
	c := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if input != "" {
		c.Stdin = strings.NewReader(input)
	}

	err := c.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

func execAll(ctx context.Context, r Runner, cmds []Command) ([]*Result, error) {
	results := make([]*Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := r.Exec(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.ExitCode != 0 {
			return results, &CommandError{
				Command:  cmd.String(),
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
				ExitCode: res.ExitCode,
			}
		}
	}
	return results, nil
}

func check(ctx context.Context, r Runner, cmd Command) bool {
	res, err := r.Exec(ctx, cmd)
	return err == nil && res.ExitCode == 0
}
