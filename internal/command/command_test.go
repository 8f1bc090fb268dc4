package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// recordingRunner captures the commands it is asked to run and plays back
// canned results.
type recordingRunner struct {
	commands []Command
	inputs   []string
	results  map[string]*Result
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{results: make(map[string]*Result)}
}

func (r *recordingRunner) Exec(ctx context.Context, cmd Command) (*Result, error) {
	r.commands = append(r.commands, cmd)
	if res, ok := r.results[cmd.String()]; ok {
		return res, nil
	}
	return &Result{ExitCode: 0}, nil
}

func (r *recordingRunner) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	return execAll(ctx, r, cmds)
}

func (r *recordingRunner) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	r.inputs = append(r.inputs, input)
	return r.Exec(ctx, cmd)
}

func (r *recordingRunner) Check(ctx context.Context, cmd Command) bool {
	return check(ctx, r, cmd)
}

func TestDirectExec(t *testing.T) {
	d := NewDirect()
	res, err := d.Exec(context.Background(), Command{Name: "sh", Args: []string{"-c", "printf hello"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", res.Stdout)
}

func TestDirectExecNonZero(t *testing.T) {
	d := NewDirect()
	res, err := d.Exec(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
	require.NoError(t, err, "non-zero exit is not a start failure")
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "oops")
}

func TestDirectExecWithInput(t *testing.T) {
	d := NewDirect()
	res, err := d.ExecWithInput(context.Background(), Command{Name: "cat"}, "secret-value")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", res.Stdout)
}

func TestExecAllStopsOnFirstFailure(t *testing.T) {
	d := NewDirect()
	results, err := d.ExecAll(context.Background(), []Command{
		{Name: "true"},
		{Name: "false"},
		{Name: "true"},
	})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Len(t, results, 2, "third command must not run")
}

func TestExecStrict(t *testing.T) {
	d := NewDirect()

	_, err := ExecStrict(context.Background(), d, Command{Name: "true"})
	require.NoError(t, err)

	_, err = ExecStrict(context.Background(), d, Command{Name: "sh", Args: []string{"-c", "exit 7"}})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 7, cmdErr.ExitCode)
}

func TestCheck(t *testing.T) {
	d := NewDirect()
	assert.True(t, d.Check(context.Background(), Command{Name: "true"}))
	assert.False(t, d.Check(context.Background(), Command{Name: "false"}))
}

func TestSudoCLIRejectsInput(t *testing.T) {
	s := NewSudoCLI("agor")
	_, err := s.ExecWithInput(context.Background(), Command{Name: "ensure-user"}, "input")
	assert.ErrorIs(t, err, ErrInputUnsupported)
}

func TestNoOpExec(t *testing.T) {
	n := NewNoOp(testLogger(t))
	res, err := n.Exec(context.Background(), Command{Name: "userdel", Args: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, n.Check(context.Background(), Command{Name: "id", Args: []string{"alice"}}))
}

func TestDryRunChecksStayAccurate(t *testing.T) {
	inner := newRecordingRunner()
	inner.results[Command{Name: "getent", Args: []string{"group", "agor_wt_ab12cd34"}}.String()] = &Result{ExitCode: 0}

	d := WithDryRun(inner, testLogger(t))

	// Mutations are swallowed
	res, err := d.Exec(context.Background(), Command{Name: "groupadd", Args: []string{"agor_wt_ab12cd34"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, inner.commands, "dry-run must not reach the real runner for mutations")

	// Probes go through
	assert.True(t, d.Check(context.Background(), Command{Name: "getent", Args: []string{"group", "agor_wt_ab12cd34"}}))
	assert.Len(t, inner.commands, 1)
}

func TestLoggingWrapperPassesThrough(t *testing.T) {
	inner := newRecordingRunner()
	l := WithLogging(inner, testLogger(t))

	_, err := l.ExecWithInput(context.Background(), Command{Name: "chpasswd"}, "alice:pw")
	require.NoError(t, err)
	require.Len(t, inner.inputs, 1)
	assert.Equal(t, "alice:pw", inner.inputs[0])
}
