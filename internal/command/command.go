// Package command runs shell commands with optional sudo escalation,
// dry-run and logging wrappers, and stdin-piped secret input. Every higher
// layer that touches the operating system goes through a Runner so it can
// be tested with a NoOp or recording fake.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInputUnsupported is returned by runners that cannot pipe stdin, such
// as the admin-CLI runner where arguments travel through sudo.
var ErrInputUnsupported = errors.New("command: stdin input not supported by this runner")

// Command is an argv-form command. Sequential ExecAll is preferred over
// shell-joined "&&" chains.
type Command struct {
	Name string
	Args []string
}

// String renders the command for logs. Values are not shell-quoted here;
// use Quote when building actual shell lines.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandError is the typed failure produced by the Strict wrapper when a
// command exits non-zero.
type CommandError struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Runner executes commands. Exec returns an error only when the command
// could not be started; a non-zero exit is reported through Result.
type Runner interface {
	// Exec runs a single command to completion.
	Exec(ctx context.Context, cmd Command) (*Result, error)

	// ExecAll runs commands sequentially and stops on the first non-zero
	// exit or start failure. The returned slice holds results for every
	// command that ran.
	ExecAll(ctx context.Context, cmds []Command) ([]*Result, error)

	// ExecWithInput runs a command with input piped through stdin so
	// secrets never appear in argv or process listings.
	ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error)

	// Check runs a read-only probe and reports whether it exited zero.
	Check(ctx context.Context, cmd Command) bool
}

// ExecStrict runs cmd and converts a non-zero exit into a *CommandError.
func ExecStrict(ctx context.Context, r Runner, cmd Command) (*Result, error) {
	res, err := r.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Command:  cmd.String(),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
		}
	}
	return res, nil
}
