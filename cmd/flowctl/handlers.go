package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/executor"
	"github.com/kbukum/flowgraph/process"
)

// Built-in handler names usable as a task's handler.
const (
	handlerNoop  = "noop"
	handlerSleep = "sleep"
	handlerFail  = "fail"
	handlerExec  = "exec"
)

func registerBuiltins(reg *executor.Registry) {
	reg.RegisterFunc(handlerNoop, noop)
	reg.RegisterFunc(handlerSleep, sleep)
	reg.RegisterFunc(handlerFail, fail)
	reg.RegisterFunc(handlerExec, execCommand)
}

// noop succeeds and returns its "output" parameter map, if any.
func noop(_ context.Context, tc *executor.TaskContext) (map[string]any, error) {
	out := map[string]any{}
	if m, ok := tc.Params["output"].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

// sleep waits for the "duration" parameter, then succeeds.
func sleep(ctx context.Context, tc *executor.TaskContext) (map[string]any, error) {
	raw, _ := tc.Params["duration"].(string)
	if raw == "" {
		raw = "1s"
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, errors.InvalidInput("duration", err.Error())
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail returns an error. With "attempts: N" it fails only the first N
// attempts of each run, which exercises retries.
func fail(_ context.Context, tc *executor.TaskContext) (map[string]any, error) {
	message, _ := tc.Params["message"].(string)
	if message == "" {
		message = "task " + tc.TaskID + " failed"
	}
	if n, ok := intParam(tc.Params["attempts"]); ok && tc.Attempt > n {
		return map[string]any{"attempt": tc.Attempt}, nil
	}
	if !retryable(tc.Params) {
		return nil, errors.InvalidInput(tc.TaskID, message)
	}
	return nil, fmt.Errorf("%s", message)
}

// execCommand runs a subprocess described by the task parameters. A non-zero
// exit status fails the task with a retryable TASK_EXECUTION error.
func execCommand(ctx context.Context, tc *executor.TaskContext) (map[string]any, error) {
	cmd, err := process.CommandFromParams(tc.Params)
	if err != nil {
		return nil, err
	}
	res, err := process.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res.Output(), nil
}

func retryable(params map[string]any) bool {
	v, ok := params["retryable"].(bool)
	return !ok || v
}

func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
