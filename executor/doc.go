// Package executor runs one execution of a validated DAG.
//
// Levels run strictly in order behind a barrier. Within a level, ready tasks
// are dispatched in insertion order to a bounded pool. Each task goes through
// the idempotency guard, a transactional unit, its handler with a deadline,
// and bounded retries with exponential backoff. A failed task skips its
// transitive dependents and leaves its siblings alone. Branch routing,
// progress, error triage, checkpoints and state events are all driven from
// task resolutions.
//
// Basic usage:
//
//	reg := executor.NewRegistry()
//	reg.RegisterFunc("noop", func(ctx context.Context, tc *executor.TaskContext) (map[string]any, error) {
//	    return map[string]any{"ok": true}, nil
//	})
//	exec, err := executor.NewExecution("exec-1", d, executor.DefaultConfig())
//	status, err := executor.New(executor.WithRegistry(reg)).Run(ctx, exec)
package executor
