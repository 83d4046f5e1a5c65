package process

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kbukum/flowgraph/errors"
)

// Run starts cmd and waits for it. The whole process group gets SIGTERM when
// ctx ends, and SIGKILL after the grace period.
//
// A non-zero exit returns the Result together with a TASK_EXECUTION error
// carrying the exit code and the last stderr line. A command that cannot be
// started is INVALID_INPUT; a process stopped by ctx is CANCELLED.
func Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, errors.InvalidInput(ParamCommand, "process command is required")
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec // running task-defined commands is the point
	c.Dir = cmd.Dir
	c.Env = mergeEnv(cmd.Env)
	c.Stdin = cmd.Stdin

	stdout := &cappedBuffer{max: cmd.maxOutput()}
	stderr := &cappedBuffer{max: cmd.maxOutput()}
	c.Stdout = stdout
	c.Stderr = stderr

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = cmd.gracePeriod()

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  c.ProcessState.ExitCode(),
		Duration:  time.Since(start),
		Truncated: stdout.dropped || stderr.dropped,
	}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return result, errors.Cancelled("process " + cmd.Name).WithCause(ctx.Err())
	}
	var startErr *exec.Error
	if c.ProcessState == nil || stderrors.As(err, &startErr) {
		return result, errors.InvalidInput(ParamCommand, fmt.Sprintf("cannot start %s", cmd.Name)).WithCause(err)
	}

	msg := fmt.Sprintf("%s exited with code %d", cmd, result.ExitCode)
	if line := lastLine(result.Stderr); line != "" {
		msg += ": " + line
	}
	return result, errors.New(errors.ErrCodeTaskExecution, msg).
		WithDetail("exit_code", result.ExitCode).
		WithCause(err)
}

// mergeEnv returns nil to inherit the parent environment unchanged.
func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}
