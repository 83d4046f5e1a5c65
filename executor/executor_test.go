package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/events"
	"github.com/kbukum/flowgraph/idempotency"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/router"
	"github.com/kbukum/flowgraph/txn"
)

type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func newCounter() *callCounter { return &callCounter{calls: make(map[string]int)} }

func (c *callCounter) inc(id string) {
	c.mu.Lock()
	c.calls[id]++
	c.order = append(c.order, id)
	c.mu.Unlock()
}

func (c *callCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func (c *callCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *callCounter) sequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func task(id, handler string, deps ...string) dag.Task {
	return dag.Task{ID: id, HandlerRef: handler, Dependencies: deps}
}

func buildDAG(t *testing.T, id string, tasks ...dag.Task) *dag.DAG {
	t.Helper()
	d := dag.New(id, id)
	for _, tk := range tasks {
		if err := d.AddTask(tk); err != nil {
			t.Fatalf("add %s: %v", tk.ID, err)
		}
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return d
}

// diamond is A -> {B, C} -> D.
func diamond(t *testing.T, cHandler string) *dag.DAG {
	return buildDAG(t, "diamond",
		task("A", "ok"),
		task("B", "ok", "A"),
		task("C", cHandler, "A"),
		task("D", "ok", "B", "C"),
	)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryPolicy = RetryPolicy{MaxAttempts: 1}
	return cfg
}

func registry(calls *callCounter) *Registry {
	reg := NewRegistry()
	reg.RegisterFunc("ok", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		calls.inc(tc.TaskID)
		return map[string]any{"task": tc.TaskID}, nil
	})
	reg.RegisterFunc("fail", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		calls.inc(tc.TaskID)
		return nil, fmt.Errorf("%s exploded", tc.TaskID)
	})
	return reg
}

func newExecution(t *testing.T, id string, d *dag.DAG, cfg Config, opts ...ExecutionOption) *Execution {
	t.Helper()
	exec, err := NewExecution(id, d, cfg, opts...)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	return exec
}

func TestRun_AllSucceed(t *testing.T) {
	calls := newCounter()
	rec := events.NewRecorder()
	ex := New(WithRegistry(registry(calls)), WithEventBus(events.NewBus(logger.Nop(), rec)))
	exec := newExecution(t, "e1", diamond(t, "ok"), testConfig())

	status, err := ex.Run(context.Background(), exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusCompleted || exec.Status() != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		if exec.TaskStatus(id) != dag.StatusSucceeded {
			t.Errorf("expected %s succeeded, got %s", id, exec.TaskStatus(id))
		}
		if calls.get(id) != 1 {
			t.Errorf("expected %s to run once, got %d", id, calls.get(id))
		}
	}
	select {
	case <-exec.Done():
	default:
		t.Error("expected Done to be closed")
	}

	if got := rec.TaskTransitions("D"); len(got) != 3 || got[0] != "ready" || got[1] != "running" || got[2] != "succeeded" {
		t.Errorf("unexpected transitions for D: %v", got)
	}
	var milestones []int
	for _, e := range rec.OfType(events.TypeMilestone) {
		milestones = append(milestones, e.Milestone)
	}
	if len(milestones) != 4 || milestones[0] != 25 || milestones[3] != 100 {
		t.Errorf("expected milestones 25..100, got %v", milestones)
	}
	if snap := exec.Progress(); snap.Completed != 4 || snap.Remaining != 0 || snap.Percent != 100 {
		t.Errorf("unexpected progress %+v", snap)
	}
	if !exec.ErrorReport().Empty() {
		t.Error("expected an empty error report")
	}
}

func TestRun_LevelsAreBarriers(t *testing.T) {
	var mu sync.Mutex
	finished := make(map[string]bool)
	reg := NewRegistry()
	reg.RegisterFunc("ok", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		if tc.TaskID == "D" && (!finished["B"] || !finished["C"]) {
			return nil, fmt.Errorf("D started before its level closed")
		}
		if (tc.TaskID == "B" || tc.TaskID == "C") && !finished["A"] {
			return nil, fmt.Errorf("%s started before A", tc.TaskID)
		}
		finished[tc.TaskID] = true
		return nil, nil
	})
	exec := newExecution(t, "e-barrier", diamond(t, "ok"), testConfig())
	if status, err := New(WithRegistry(reg)).Run(context.Background(), exec); err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%v): %v", status, err, exec.Report().Errors)
	}
}

func TestRun_FailedSiblingSkipsJoin(t *testing.T) {
	calls := newCounter()
	ex := New(WithRegistry(registry(calls)))
	exec := newExecution(t, "e-a", diamond(t, "fail"), testConfig())

	status, err := ex.Run(context.Background(), exec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", status)
	}
	want := map[string]dag.Status{
		"A": dag.StatusSucceeded,
		"B": dag.StatusSucceeded,
		"C": dag.StatusFailed,
		"D": dag.StatusSkipped,
	}
	for id, st := range want {
		if got := exec.TaskStatus(id); got != st {
			t.Errorf("expected %s %s, got %s", id, st, got)
		}
	}
	if calls.get("D") != 0 {
		t.Error("D must not run")
	}
	if !errors.HasCode(exec.TaskError("D"), errors.ErrCodeDependencyFailure) {
		t.Errorf("expected DEPENDENCY_FAILURE on D, got %v", exec.TaskError("D"))
	}
	if !errors.HasCode(exec.TaskError("C"), errors.ErrCodeTaskExecution) {
		t.Errorf("expected TASK_EXECUTION on C, got %v", exec.TaskError("C"))
	}

	report := exec.ErrorReport()
	if report.Total != 2 || report.ByCode[string(errors.ErrCodeDependencyFailure)] != 1 {
		t.Errorf("unexpected error report %+v", report)
	}
	st := exec.Report()
	if st.Status != StatusPartiallyCompleted || st.Tasks["D"] != dag.StatusSkipped || st.Errors["C"] == "" {
		t.Errorf("unexpected status report %+v", st)
	}
}

func TestRun_FailureSkipsTransitiveDependents(t *testing.T) {
	calls := newCounter()
	d := buildDAG(t, "chain",
		task("root", "fail"),
		task("sibling", "ok"),
		task("child", "ok", "root"),
		task("grandchild", "ok", "child"),
		task("other", "ok", "sibling"),
	)
	exec := newExecution(t, "e-chain", d, testConfig())
	status, _ := New(WithRegistry(registry(calls))).Run(context.Background(), exec)

	if status != StatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", status)
	}
	for _, id := range []string{"child", "grandchild"} {
		if exec.TaskStatus(id) != dag.StatusSkipped {
			t.Errorf("expected %s skipped, got %s", id, exec.TaskStatus(id))
		}
	}
	for _, id := range []string{"sibling", "other"} {
		if exec.TaskStatus(id) != dag.StatusSucceeded {
			t.Errorf("expected %s succeeded, got %s", id, exec.TaskStatus(id))
		}
	}
}

func TestRun_ResumeSkipsCheckpointedLevel(t *testing.T) {
	ctx := context.Background()
	committed := txn.NewMemoryStore()
	backend := checkpoint.NewMemoryBackend()
	d := diamond(t, "ok")
	cfg := testConfig()

	// First process: cancelled as soon as level 0 closes.
	calls := newCounter()
	txns := txn.NewManager(committed, nil)
	store := checkpoint.NewStore(backend, checkpoint.WithCommitLog(txns))
	exec := newExecution(t, "e-b", d, cfg)
	bus := events.NewBus(logger.Nop(), events.FuncSink(func(_ context.Context, e events.Event) error {
		if e.Type == events.TypeTaskState && e.TaskID == "A" && e.To == string(dag.StatusSucceeded) {
			exec.Cancel()
		}
		return nil
	}))
	first := New(WithRegistry(registry(calls)), WithTxnManager(txns), WithCheckpointStore(store), WithEventBus(bus))
	if status, _ := first.Run(ctx, exec); status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	if exec.TaskStatus("B") != dag.StatusPending {
		t.Fatalf("expected B untouched, got %s", exec.TaskStatus("B"))
	}

	// Second process: fresh managers over the same durable state.
	txns2 := txn.NewManager(committed, nil)
	store2 := checkpoint.NewStore(backend, checkpoint.WithCommitLog(txns2))
	plan, err := store2.Resume(ctx, "e-b", d.Tasks())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !plan.Found || !plan.Skip["A"] || len(plan.Skip) != 1 {
		t.Fatalf("expected plan to skip only A, got %+v", plan)
	}

	resumed := newExecution(t, "e-b", d, cfg, WithResumePlan(plan))
	second := New(WithRegistry(registry(calls)), WithTxnManager(txns2), WithCheckpointStore(store2))
	status, err := second.Run(ctx, resumed)
	if err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", status, err)
	}
	if calls.get("A") != 1 {
		t.Errorf("A must not be re-executed, ran %d times", calls.get("A"))
	}
	for _, id := range []string{"B", "C", "D"} {
		if calls.get(id) != 1 {
			t.Errorf("expected %s to run once, got %d", id, calls.get(id))
		}
	}
	if r := resumed.Results()["A"]; r["task"] != "A" {
		t.Errorf("expected A's result restored, got %v", r)
	}
	if cp, _ := store2.Load(ctx, "e-b"); cp != nil {
		t.Error("expected checkpoint deleted after completion")
	}
}

func TestRun_RerunServesCachedResults(t *testing.T) {
	calls := newCounter()
	ex := New(WithRegistry(registry(calls)))
	d := diamond(t, "ok")

	first := newExecution(t, "e-c", d, testConfig())
	if status, _ := ex.Run(context.Background(), first); status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	second := newExecution(t, "e-c", d, testConfig())
	if status, _ := ex.Run(context.Background(), second); status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if calls.total() != 4 {
		t.Errorf("expected each task to run once across both runs, got %d calls", calls.total())
	}
	if r := second.Results()["D"]; r["task"] != "D" {
		t.Errorf("expected cached result for D, got %v", r)
	}
}

func branching(t *testing.T) *dag.DAG {
	return buildDAG(t, "branching",
		dag.Task{ID: "score", HandlerRef: "score", Branches: []dag.Branch{
			{Condition: router.Threshold("quality_score", 80), Targets: []string{"publish"}},
			{Targets: []string{"revise"}},
		}},
		task("publish", "ok"),
		task("revise", "ok"),
		task("notify", "ok", "publish"),
	)
}

func scoreRegistry(calls *callCounter, score any) *Registry {
	reg := registry(calls)
	reg.RegisterFunc("score", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		calls.inc(tc.TaskID)
		return map[string]any{"quality_score": score}, nil
	})
	return reg
}

func TestRun_BranchSelectsThresholdTarget(t *testing.T) {
	calls := newCounter()
	rec := events.NewRecorder()
	ex := New(WithRegistry(scoreRegistry(calls, 92)), WithEventBus(events.NewBus(logger.Nop(), rec)))
	exec := newExecution(t, "e-d", branching(t), testConfig())

	status, err := ex.Run(context.Background(), exec)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCompleted {
		t.Fatalf("branch skips must not degrade the outcome, got %s", status)
	}
	if exec.TaskStatus("publish") != dag.StatusSucceeded || exec.TaskStatus("notify") != dag.StatusSucceeded {
		t.Errorf("expected the >=80 branch to run, got %v", exec.TaskStatuses())
	}
	if exec.TaskStatus("revise") != dag.StatusSkipped || calls.get("revise") != 0 {
		t.Errorf("expected revise skipped, got %s", exec.TaskStatus("revise"))
	}
	if exec.TaskError("revise") != nil {
		t.Errorf("a branch skip carries no error, got %v", exec.TaskError("revise"))
	}
	if got := rec.TaskTransitions("revise"); len(got) != 1 || got[0] != "skipped" {
		t.Errorf("unexpected transitions for revise: %v", got)
	}
}

func TestRun_BranchElseAndDownstreamSkip(t *testing.T) {
	calls := newCounter()
	exec := newExecution(t, "e-d2", branching(t), testConfig())
	status, _ := New(WithRegistry(scoreRegistry(calls, "50"))).Run(context.Background(), exec)

	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if exec.TaskStatus("revise") != dag.StatusSucceeded {
		t.Errorf("expected the else branch to run, got %s", exec.TaskStatus("revise"))
	}
	for _, id := range []string{"publish", "notify"} {
		if exec.TaskStatus(id) != dag.StatusSkipped || calls.get(id) != 0 {
			t.Errorf("expected %s skipped, got %s", id, exec.TaskStatus(id))
		}
	}
}

func TestRun_BranchMissingFieldFallsThroughToDefault(t *testing.T) {
	calls := newCounter()
	reg := registry(calls)
	reg.RegisterFunc("score", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		calls.inc(tc.TaskID)
		return map[string]any{"word_count": 1200}, nil
	})
	exec := newExecution(t, "e-d4", branching(t), testConfig())
	status, _ := New(WithRegistry(reg)).Run(context.Background(), exec)

	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if exec.TaskStatus("revise") != dag.StatusSucceeded || exec.TaskStatus("publish") != dag.StatusSkipped {
		t.Errorf("expected a missing field to select the default branch, got %v", exec.TaskStatuses())
	}
	if !exec.ErrorReport().Empty() {
		t.Errorf("a missing field is not an error, got %+v", exec.ErrorReport())
	}
}

func TestRun_BranchRoutingErrorSkipsTargets(t *testing.T) {
	calls := newCounter()
	exec := newExecution(t, "e-d3", branching(t), testConfig())
	status, _ := New(WithRegistry(scoreRegistry(calls, "not a number"))).Run(context.Background(), exec)

	if exec.TaskStatus("publish") != dag.StatusSkipped || exec.TaskStatus("revise") != dag.StatusSkipped {
		t.Errorf("expected every target skipped, got %v", exec.TaskStatuses())
	}
	if status != StatusCompleted {
		t.Errorf("expected completed, got %s", status)
	}
	if exec.ErrorReport().ByCode[string(errors.ErrCodeInvalidInput)] != 1 {
		t.Errorf("expected the routing error in the report, got %+v", exec.ErrorReport())
	}
}

// crashableBackend stops persisting once crashed, like a killed process.
type crashableBackend struct {
	checkpoint.Backend
	crashed atomic.Bool
}

func (b *crashableBackend) Put(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if b.crashed.Load() {
		return nil
	}
	return b.Backend.Put(ctx, cp)
}

func TestRun_ResumeFromLastIntervalCheckpoint(t *testing.T) {
	ctx := context.Background()
	var tasks []dag.Task
	for i := 1; i <= 100; i++ {
		tasks = append(tasks, task(fmt.Sprintf("item-%03d", i), "ok"))
	}
	d := buildDAG(t, "items", tasks...)
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.CheckpointInterval = 10

	committed := txn.NewMemoryStore()
	inner := checkpoint.NewMemoryBackend()
	backend := &crashableBackend{Backend: inner}

	firstCalls := newCounter()
	txns := txn.NewManager(committed, nil)
	exec := newExecution(t, "e-e", d, cfg)
	var succeeded atomic.Int32
	bus := events.NewBus(logger.Nop(), events.FuncSink(func(_ context.Context, e events.Event) error {
		if e.Type == events.TypeTaskState && e.To == string(dag.StatusSucceeded) {
			if succeeded.Add(1) == 45 {
				backend.crashed.Store(true)
				exec.Cancel()
			}
		}
		return nil
	}))
	first := New(
		WithRegistry(registry(firstCalls)),
		WithTxnManager(txns),
		WithCheckpointStore(checkpoint.NewStore(backend, checkpoint.WithCommitLog(txns))),
		WithEventBus(bus),
	)
	if status, _ := first.Run(ctx, exec); status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	if firstCalls.total() != 45 {
		t.Fatalf("expected 45 items before the kill, got %d", firstCalls.total())
	}

	txns2 := txn.NewManager(committed, nil)
	store := checkpoint.NewStore(inner, checkpoint.WithCommitLog(txns2))
	plan, err := store.Resume(ctx, "e-e", d.Tasks())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(plan.Skip) != 40 || plan.CursorIndex != 40 {
		t.Fatalf("expected 40 skipped items at cursor 40, got %d at %d", len(plan.Skip), plan.CursorIndex)
	}
	for i := 1; i <= 40; i++ {
		if !plan.Skip[fmt.Sprintf("item-%03d", i)] {
			t.Fatalf("expected item-%03d skipped", i)
		}
	}

	secondCalls := newCounter()
	resumed := newExecution(t, "e-e", d, cfg, WithResumePlan(plan))
	second := New(WithRegistry(registry(secondCalls)), WithTxnManager(txns2), WithCheckpointStore(store))
	status, err := second.Run(ctx, resumed)
	if err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", status, err)
	}
	got := secondCalls.sequence()
	if len(got) != 60 {
		t.Fatalf("expected items 41-100 to be processed, got %d", len(got))
	}
	for i, id := range got {
		if want := fmt.Sprintf("item-%03d", i+41); id != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, id)
		}
	}
}

func TestRun_RetriesWithBackoffThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	reg := NewRegistry()
	reg.RegisterFunc("flaky", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("transient failure on attempt %d", tc.Attempt)
		}
		return map[string]any{"attempt": tc.Attempt}, nil
	})
	var waits []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.RetryPolicy = RetryPolicy{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond}
	exec := newExecution(t, "e-retry", buildDAG(t, "one", task("x", "flaky")), cfg)
	status, _ := New(WithRegistry(reg), WithRetrySleep(sleep)).Run(context.Background(), exec)

	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if exec.Attempts("x") != 3 {
		t.Errorf("expected 3 attempts, got %d", exec.Attempts("x"))
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Errorf("expected exponential backoff 100ms, 200ms, got %v", waits)
	}
	report := exec.ErrorReport()
	if report.Total != 2 || len(report.ProblematicItems) != 1 {
		t.Errorf("expected two failed attempts and a problematic item, got %+v", report)
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	calls := newCounter()
	cfg := testConfig()
	cfg.RetryPolicy = RetryPolicy{MaxAttempts: 2}
	exec := newExecution(t, "e-exhaust", buildDAG(t, "one", task("x", "fail")), cfg)
	status, _ := New(WithRegistry(registry(calls)), WithRetrySleep(noSleep)).Run(context.Background(), exec)

	if status != StatusFailed {
		t.Fatalf("expected failed when every task failed, got %s", status)
	}
	if calls.get("x") != 2 || exec.Attempts("x") != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.get("x"))
	}
}

func TestRun_NonRetryableErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.RegisterFunc("bad", func(context.Context, *TaskContext) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.InvalidInput("payload", "missing title")
	})
	cfg := testConfig()
	cfg.RetryPolicy = RetryPolicy{MaxAttempts: 5}
	exec := newExecution(t, "e-noretry", buildDAG(t, "one", task("x", "bad")), cfg)
	_, _ = New(WithRegistry(reg), WithRetrySleep(noSleep)).Run(context.Background(), exec)

	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
	if !errors.HasCode(exec.TaskError("x"), errors.ErrCodeInvalidInput) {
		t.Errorf("expected the handler's code to be kept, got %v", exec.TaskError("x"))
	}
}

func TestRun_TimeoutFailsTask(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	reg := NewRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, _ *TaskContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.RegisterFunc("stuck", func(context.Context, *TaskContext) (map[string]any, error) {
		<-release
		return nil, nil
	})
	reg.RegisterFunc("ok", func(context.Context, *TaskContext) (map[string]any, error) { return nil, nil })

	d := buildDAG(t, "slow",
		dag.Task{ID: "polite", HandlerRef: "slow", Timeout: 20 * time.Millisecond},
		task("rude", "stuck"),
		task("after", "ok", "polite"),
	)
	cfg := testConfig()
	cfg.TaskTimeout = 30 * time.Millisecond
	exec := newExecution(t, "e-timeout", d, cfg)
	status, _ := New(WithRegistry(reg)).Run(context.Background(), exec)

	for _, id := range []string{"polite", "rude"} {
		if !errors.HasCode(exec.TaskError(id), errors.ErrCodeTimeout) {
			t.Errorf("expected TIMEOUT for %s, got %v", id, exec.TaskError(id))
		}
	}
	if exec.TaskStatus("after") != dag.StatusSkipped {
		t.Errorf("expected dependent of a timed out task skipped, got %s", exec.TaskStatus("after"))
	}
	if status != StatusFailed {
		t.Errorf("expected failed, got %s", status)
	}
}

func TestRun_PanicBecomesTaskError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("panic", func(context.Context, *TaskContext) (map[string]any, error) {
		panic("nil map write")
	})
	reg.RegisterFunc("ok", func(context.Context, *TaskContext) (map[string]any, error) { return nil, nil })
	d := buildDAG(t, "p", task("boom", "panic"), task("fine", "ok"))
	exec := newExecution(t, "e-panic", d, testConfig())
	status, _ := New(WithRegistry(reg)).Run(context.Background(), exec)

	if !errors.HasCode(exec.TaskError("boom"), errors.ErrCodeTaskExecution) {
		t.Errorf("expected TASK_EXECUTION, got %v", exec.TaskError("boom"))
	}
	if exec.TaskStatus("fine") != dag.StatusSucceeded || status != StatusPartiallyCompleted {
		t.Errorf("expected the sibling to succeed, got %s / %s", exec.TaskStatus("fine"), status)
	}
}

func TestRun_UnitWritesAreAtomic(t *testing.T) {
	ctx := context.Background()
	committed := txn.NewMemoryStore()
	reg := NewRegistry()
	reg.RegisterFunc("write", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		if err := tc.Unit.Put("out/"+tc.TaskID, "draft"); err != nil {
			return nil, err
		}
		if tc.TaskID == "bad" {
			return nil, fmt.Errorf("late failure")
		}
		return nil, nil
	})
	d := buildDAG(t, "w", task("good", "write"), task("bad", "write"))
	exec := newExecution(t, "e-txn", d, testConfig())
	_, _ = New(WithRegistry(reg), WithTxnManager(txn.NewManager(committed, nil))).Run(ctx, exec)

	if v, ok, _ := committed.Get(ctx, "out/good"); !ok || v != "draft" {
		t.Errorf("expected committed write for good, got %v %v", v, ok)
	}
	if _, ok, _ := committed.Get(ctx, "out/bad"); ok {
		t.Error("expected the failed task's write to be rolled back")
	}
}

func TestRun_UpstreamViewIsReadOnly(t *testing.T) {
	var seen []string
	reg := NewRegistry()
	reg.RegisterFunc("ok", func(_ context.Context, tc *TaskContext) (map[string]any, error) {
		if tc.TaskID == "D" {
			seen = tc.UpstreamIDs()
			a, _ := tc.Upstream("A")
			a["task"] = "tampered"
		}
		return map[string]any{"task": tc.TaskID}, nil
	})
	exec := newExecution(t, "e-up", diamond(t, "ok"), testConfig())
	_, _ = New(WithRegistry(reg)).Run(context.Background(), exec)

	if len(seen) != 3 || seen[0] != "A" || seen[1] != "B" || seen[2] != "C" {
		t.Errorf("expected D to see A, B, C, got %v", seen)
	}
	if exec.Results()["A"]["task"] != "A" {
		t.Error("handler mutation leaked into execution state")
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	reg := NewRegistry()
	reg.RegisterFunc("work", func(context.Context, *TaskContext) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})
	var tasks []dag.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, task(fmt.Sprintf("t%d", i), "work"))
	}
	cfg := testConfig()
	cfg.MaxConcurrency = 3
	exec := newExecution(t, "e-pool", buildDAG(t, "pool", tasks...), cfg)
	if status, _ := New(WithRegistry(reg)).Run(context.Background(), exec); status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if peak.Load() > 3 {
		t.Errorf("expected at most 3 concurrent tasks, saw %d", peak.Load())
	}
}

func TestRun_CriticalFailureFailsExecution(t *testing.T) {
	calls := newCounter()
	d := buildDAG(t, "crit",
		task("x", "fail"),
		task("y", "ok"),
		task("z", "ok", "y"),
	)
	cfg := testConfig()
	cfg.CriticalTasks = []string{"x"}
	exec := newExecution(t, "e-crit", d, cfg)
	status, _ := New(WithRegistry(registry(calls))).Run(context.Background(), exec)

	if status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if exec.TaskStatus("y") != dag.StatusSucceeded {
		t.Errorf("siblings in the same level still finish, got %s", exec.TaskStatus("y"))
	}
	if exec.TaskStatus("z") != dag.StatusSkipped || calls.get("z") != 0 {
		t.Errorf("expected later levels skipped after a critical failure, got %s", exec.TaskStatus("z"))
	}
}

func TestRun_CancelLeavesUnstartedTasksPending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	reg.RegisterFunc("block", func(context.Context, *TaskContext) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"done": true}, nil
	})
	reg.RegisterFunc("ok", func(context.Context, *TaskContext) (map[string]any, error) { return nil, nil })

	d := buildDAG(t, "cancel", task("first", "block"), task("second", "ok"), task("third", "ok"))
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	exec := newExecution(t, "e-cancel", d, cfg)

	done := make(chan Status, 1)
	go func() {
		status, _ := New(WithRegistry(reg)).Run(context.Background(), exec)
		done <- status
	}()
	<-started
	exec.Cancel()
	close(release)

	if status := <-done; status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	if exec.TaskStatus("first") != dag.StatusSucceeded {
		t.Errorf("a running task completes naturally, got %s", exec.TaskStatus("first"))
	}
	for _, id := range []string{"second", "third"} {
		if exec.TaskStatus(id) != dag.StatusPending {
			t.Errorf("expected %s pending, got %s", id, exec.TaskStatus(id))
		}
	}
}

func TestRun_PauseHoldsTaskStarts(t *testing.T) {
	calls := newCounter()
	exec := newExecution(t, "e-pause", diamond(t, "ok"), testConfig())
	if err := exec.Pause(); err != nil {
		t.Fatal(err)
	}

	done := make(chan Status, 1)
	go func() {
		status, _ := New(WithRegistry(registry(calls))).Run(context.Background(), exec)
		done <- status
	}()

	deadline := time.Now().Add(time.Second)
	for exec.Status() != StatusPaused && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if exec.Status() != StatusPaused {
		t.Fatalf("expected paused, got %s", exec.Status())
	}
	time.Sleep(20 * time.Millisecond)
	if calls.total() != 0 {
		t.Fatalf("no task may start while paused, %d did", calls.total())
	}

	if err := exec.Resume(); err != nil {
		t.Fatal(err)
	}
	if status := <-done; status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if err := exec.Pause(); !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT pausing a finished execution, got %v", err)
	}
}

func TestRun_CancelWhilePaused(t *testing.T) {
	calls := newCounter()
	exec := newExecution(t, "e-pause-cancel", diamond(t, "ok"), testConfig())
	_ = exec.Pause()
	exec.Cancel()

	status, _ := New(WithRegistry(registry(calls))).Run(context.Background(), exec)
	if status != StatusCancelled || calls.total() != 0 {
		t.Errorf("expected cancelled with nothing run, got %s after %d calls", status, calls.total())
	}
}

func TestRun_CheckpointCorruptionAborts(t *testing.T) {
	calls := newCounter()
	// The store checks a commit log the executor never writes to.
	foreign := txn.NewManager(nil, nil)
	store := checkpoint.NewStore(nil, checkpoint.WithCommitLog(foreign))
	cfg := testConfig()
	cfg.CheckpointInterval = 1
	cfg.MaxConcurrency = 1
	exec := newExecution(t, "e-corrupt", diamond(t, "ok"), cfg)

	status, err := New(WithRegistry(registry(calls)), WithCheckpointStore(store)).Run(context.Background(), exec)
	if !errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
		t.Fatalf("expected CHECKPOINT_CORRUPTION, got %v", err)
	}
	if status != StatusFailed {
		t.Errorf("expected failed, got %s", status)
	}
	if calls.get("D") != 0 {
		t.Error("expected the run to stop before D")
	}
}

func TestRun_IdempotencyConflictIsFatal(t *testing.T) {
	store := &conflictStore{}
	calls := newCounter()
	exec := newExecution(t, "e-conflict", buildDAG(t, "one", task("x", "ok")), testConfig())
	status, err := New(WithRegistry(registry(calls)), WithGuard(idempotency.NewGuard(store))).Run(context.Background(), exec)

	if !errors.HasCode(err, errors.ErrCodeIdempotencyConflict) || status != StatusFailed {
		t.Fatalf("expected a fatal IDEMPOTENCY_CONFLICT, got %s %v", status, err)
	}
}

func TestRun_TakesOverReservationOfDeadRun(t *testing.T) {
	store := idempotency.NewMemoryStore()
	key := idempotency.KeyFor("e-crashed", "x", "ok")
	if _, ok, err := store.Reserve(context.Background(), key, "dead-run/1", time.Hour); err != nil || !ok {
		t.Fatalf("seed reservation: %v %v", ok, err)
	}

	calls := newCounter()
	guard := idempotency.NewGuard(store, idempotency.WithLease(time.Hour))
	exec := newExecution(t, "e-crashed", buildDAG(t, "one", task("x", "ok")), testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := New(WithRegistry(registry(calls)), WithGuard(guard)).Run(ctx, exec)
	if err != nil || status != StatusCompleted {
		t.Fatalf("expected completed, got %s %v", status, err)
	}
	if calls.get("x") != 1 {
		t.Errorf("expected x to run once, ran %d times", calls.get("x"))
	}
}

// conflictStore reports the caller's own token as a foreign live holder.
type conflictStore struct{ idempotency.MemoryStore }

func (s *conflictStore) Reserve(_ context.Context, key idempotency.Key, token string, _ time.Duration) (idempotency.Record, bool, error) {
	return idempotency.Record{Key: key, State: idempotency.StateReserved, Token: token}, false, nil
}

func TestRun_Validation(t *testing.T) {
	exec := newExecution(t, "e-missing", buildDAG(t, "one", task("x", "nope")), testConfig())
	if _, err := New().Run(context.Background(), exec); !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND for a missing handler, got %v", err)
	}

	calls := newCounter()
	ex := New(WithRegistry(registry(calls)))
	ran := newExecution(t, "e-twice", buildDAG(t, "one", task("x", "ok")), testConfig())
	_, _ = ex.Run(context.Background(), ran)
	if _, err := ex.Run(context.Background(), ran); !errors.HasCode(err, errors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT on a second run, got %v", err)
	}
}

func TestNewExecution_Validation(t *testing.T) {
	d := dag.New("raw", "raw")
	_ = d.AddTask(task("x", "ok"))
	if _, err := NewExecution("e", d, testConfig()); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for an unvalidated dag, got %v", err)
	}
	valid := buildDAG(t, "v", task("x", "ok"))
	if _, err := NewExecution("", valid, testConfig()); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for an empty id, got %v", err)
	}
	if _, err := NewExecution("e", valid, testConfig(), WithCompleted(map[string]map[string]any{"ghost": nil})); err == nil {
		t.Error("expected an error for a completed task outside the graph")
	}
}

func TestRegistry_List(t *testing.T) {
	reg := registry(newCounter())
	names := reg.List()
	if !sort.StringsAreSorted(names) || len(names) != 2 {
		t.Errorf("unexpected names %v", names)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrency != 10 || cfg.CheckpointInterval != 10 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.RetryPolicy.MaxAttempts != 3 || cfg.RetryPolicy.BackoffBase != time.Second {
		t.Errorf("unexpected retry defaults %+v", cfg.RetryPolicy)
	}
	disabled := Config{CheckpointInterval: -1}
	disabled.ApplyDefaults()
	if p := disabled.policy(); p.Interval != 0 {
		t.Errorf("expected a negative interval to disable interval checkpoints, got %d", p.Interval)
	}
}
