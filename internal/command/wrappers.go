package command

import (
	"context"

	"go.uber.org/zap"

	"github.com/13ty/agor-sub000/internal/common/logger"
)

// Logging wraps a Runner and logs every execution with its outcome.
type Logging struct {
	inner  Runner
	logger *logger.Logger
}

// WithLogging adds execution logging around a runner.
func WithLogging(inner Runner, log *logger.Logger) *Logging {
	return &Logging{inner: inner, logger: log.WithFields(zap.String("component", "command"))}
}

func (l *Logging) Exec(ctx context.Context, cmd Command) (*Result, error) {
	l.logger.Debug("exec", zap.String("command", cmd.String()))
	res, err := l.inner.Exec(ctx, cmd)
	if err != nil {
		l.logger.Error("exec failed to start", zap.String("command", cmd.String()), zap.Error(err))
		return nil, err
	}
	if res.ExitCode != 0 {
		l.logger.Warn("exec exited non-zero",
			zap.String("command", cmd.String()),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Stderr))
	}
	return res, nil
}

func (l *Logging) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	results := make([]*Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := l.Exec(ctx, cmd)
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

func (l *Logging) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	// Input is never logged; it may carry secrets.
	l.logger.Debug("exec with stdin input", zap.String("command", cmd.String()))
	return l.inner.ExecWithInput(ctx, cmd, input)
}

func (l *Logging) Check(ctx context.Context, cmd Command) bool {
	ok := l.inner.Check(ctx, cmd)
	l.logger.Debug("check", zap.String("command", cmd.String()), zap.Bool("ok", ok))
	return ok
}

// DryRun replaces side-effectful calls with logged intent while still
// running read-only Check probes against the real system, so pre-state
// probing stays accurate during a --dry-run.
type DryRun struct {
	inner  Runner
	logger *logger.Logger
}

// WithDryRun wraps a runner in dry-run mode.
func WithDryRun(inner Runner, log *logger.Logger) *DryRun {
	return &DryRun{inner: inner, logger: log.WithFields(zap.String("component", "command"), zap.Bool("dry_run", true))}
}

func (d *DryRun) Exec(ctx context.Context, cmd Command) (*Result, error) {
	d.logger.Info("dry-run: would exec", zap.String("command", cmd.String()))
	return &Result{ExitCode: 0}, nil
}

func (d *DryRun) ExecAll(ctx context.Context, cmds []Command) ([]*Result, error) {
	results := make([]*Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, _ := d.Exec(ctx, cmd)
		results = append(results, res)
	}
	return results, nil
}

func (d *DryRun) ExecWithInput(ctx context.Context, cmd Command, input string) (*Result, error) {
	d.logger.Info("dry-run: would exec with stdin input",
		zap.String("command", cmd.String()),
		zap.Int("input_len", len(input)))
	return &Result{ExitCode: 0}, nil
}

func (d *DryRun) Check(ctx context.Context, cmd Command) bool {
	return d.inner.Check(ctx, cmd)
}
