package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/events"
	"github.com/kbukum/flowgraph/idempotency"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/observability"
	"github.com/kbukum/flowgraph/progress"
	"github.com/kbukum/flowgraph/resilience"
	"github.com/kbukum/flowgraph/router"
	"github.com/kbukum/flowgraph/triage"
	"github.com/kbukum/flowgraph/txn"
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithRegistry sets the handler registry.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithTxnManager sets the transaction manager.
func WithTxnManager(m *txn.Manager) Option {
	return func(e *Executor) { e.txns = m }
}

// WithGuard sets the idempotency guard.
func WithGuard(g *idempotency.Guard) Option {
	return func(e *Executor) { e.guard = g }
}

// WithCheckpointStore sets the checkpoint store.
func WithCheckpointStore(s *checkpoint.Store) Option {
	return func(e *Executor) { e.checkpoints = s }
}

// WithEventBus sets the event bus.
func WithEventBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRetrySleep replaces the wait between retry attempts.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// Executor runs executions. It holds no per-execution state and may run
// several executions concurrently.
type Executor struct {
	log         *logger.Logger
	registry    *Registry
	txns        *txn.Manager
	guard       *idempotency.Guard
	checkpoints *checkpoint.Store
	router      *router.Router
	bus         *events.Bus
	metrics     *observability.EngineMetrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. Missing collaborators get in-memory defaults.
func New(opts ...Option) *Executor {
	e := &Executor{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	e.log = e.log.WithComponent("executor")
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.txns == nil {
		e.txns = txn.NewManager(nil, e.log)
	}
	if e.guard == nil {
		e.guard = idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithLogger(e.log))
	}
	if e.checkpoints == nil {
		e.checkpoints = checkpoint.NewStore(nil, checkpoint.WithCommitLog(e.txns), checkpoint.WithLogger(e.log))
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.log)
	}
	e.router = router.New(e.log)
	return e
}

// Registry returns the handler registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Run executes exec to a terminal status. The returned error is non-nil only
// when the execution could not start or an integrity violation aborted it.
func (e *Executor) Run(ctx context.Context, exec *Execution) (Status, error) {
	if err := e.checkHandlers(exec); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := exec.begin(e.now(), cancel); err != nil {
		return "", err
	}

	log := e.log.WithExecution(exec.ID)
	ctx, span := observability.StartSpan(ctx, observability.SpanExecution, trace.WithAttributes(
		attribute.String(observability.AttrExecutionID, exec.ID),
		attribute.String(observability.AttrDAGID, exec.DAGID),
	))
	defer span.End()

	exec.mu.Lock()
	exec.onMilestone = func(m int, snap progress.Snapshot) {
		e.bus.Publish(ctx, events.Event{
			Type: events.TypeMilestone, ExecutionID: exec.ID, DAGID: exec.DAGID,
			Milestone: m, Percent: snap.Percent, Timestamp: e.now(),
		})
	}
	exec.mu.Unlock()

	e.publishExecution(ctx, exec, StatusPending, StatusRunning)
	log.Info("Execution started", logger.Fields(
		logger.FieldDAGID, exec.DAGID,
		"tasks", exec.dag.Len(),
		"levels", len(exec.levels),
		"preloaded", exec.preloaded,
		"max_concurrency", exec.cfg.MaxConcurrency,
	))

	if seq, err := e.checkpoints.LastSequence(ctx, exec.ID); err != nil {
		log.Warn("Could not read checkpoint sequence", logger.ErrorFields("checkpoint.sequence", err))
	} else {
		exec.setSequenceBase(seq)
	}
	e.restoreRoutes(ctx, exec)

	bh := resilience.NewBulkhead(resilience.BulkheadConfig{
		Name:          exec.ID,
		MaxConcurrent: exec.cfg.MaxConcurrency,
	})
	for li, level := range exec.levels {
		if ctx.Err() != nil || exec.Err() != nil || exec.criticalFailure() != "" {
			break
		}
		if resolved := e.runLevel(ctx, exec, li, level, bh); resolved > 0 && exec.Err() == nil {
			e.saveCheckpoint(ctx, exec, exec.frontier(e.now()), checkpoint.TriggerLevel)
		}
	}

	if critical := exec.criticalFailure(); critical != "" {
		for _, id := range exec.dag.TaskIDs() {
			if exec.TaskStatus(id) == dag.StatusPending {
				e.skip(ctx, exec, id, errors.DependencyFailure(id, critical))
			}
		}
	}

	status := e.finish(ctx, exec)
	if err := exec.Err(); err != nil {
		observability.SetSpanError(ctx, err)
		return status, err
	}
	return status, nil
}

func (e *Executor) checkHandlers(exec *Execution) error {
	for _, t := range exec.dag.Tasks() {
		if _, ok := e.registry.Get(t.HandlerRef); !ok {
			return errors.NotFound("handler", t.HandlerRef).WithDetail(logger.FieldTaskID, t.ID)
		}
	}
	return nil
}

// restoreRoutes re-evaluates the branches of tasks preloaded as succeeded.
func (e *Executor) restoreRoutes(ctx context.Context, exec *Execution) {
	for _, t := range exec.dag.Tasks() {
		if len(t.Branches) > 0 && exec.TaskStatus(t.ID) == dag.StatusSucceeded {
			e.route(ctx, exec, t)
		}
	}
}

// runLevel dispatches a level and waits for it. It returns how many tasks
// of the level resolved during this call.
func (e *Executor) runLevel(ctx context.Context, exec *Execution, li int, ids []string, bh *resilience.Bulkhead) int {
	ctx, span := observability.StartSpan(ctx, observability.SpanLevel, trace.WithAttributes(
		attribute.String(observability.AttrExecutionID, exec.ID),
		attribute.Int(observability.AttrLevel, li),
	))
	defer span.End()

	resolved := 0
	var runnable []dag.Task
	for _, id := range ids {
		if exec.TaskStatus(id).Terminal() {
			continue
		}
		task, _ := exec.dag.Task(id)
		run, reason := exec.gateFor(task)
		if !run {
			if e.skip(ctx, exec, id, reason) {
				resolved++
			}
			continue
		}
		e.transition(ctx, exec, id, dag.StatusReady, dag.StatusPending, 0, nil)
		runnable = append(runnable, task)
	}

	var wg sync.WaitGroup
	for _, task := range runnable {
		if err := exec.gate.wait(ctx); err != nil {
			break
		}
		if exec.Err() != nil {
			break
		}
		wg.Add(1)
		err := bh.Go(ctx, func() {
			defer wg.Done()
			e.runTask(ctx, exec, task)
		})
		if err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()

	for _, task := range runnable {
		switch st := exec.TaskStatus(task.ID); {
		case st == dag.StatusReady:
			// Never started: cancelled or aborted before its turn.
			e.transition(ctx, exec, task.ID, dag.StatusPending, dag.StatusReady, 0, nil)
		case st.Terminal():
			resolved++
		}
	}
	return resolved
}

// runTask takes one ready task to a terminal state, or leaves it ready when
// the execution is cancelled before the handler starts.
func (e *Executor) runTask(ctx context.Context, exec *Execution, task dag.Task) {
	// A pause may land while the task waited for a slot.
	if err := exec.gate.wait(ctx); err != nil || exec.Err() != nil {
		return
	}
	log := e.log.WithExecution(exec.ID).WithFields(logger.Fields(logger.FieldTaskID, task.ID))
	ctx, span := observability.StartSpan(ctx, observability.SpanTask, trace.WithAttributes(
		attribute.String(observability.AttrExecutionID, exec.ID),
		attribute.String(observability.AttrTaskID, task.ID),
	))
	defer span.End()

	handler, _ := e.registry.Get(task.HandlerRef)
	key := idempotency.KeyFor(exec.ID, task.ID, operationOf(task))
	outcome, err := e.guard.CheckAndReserveAs(ctx, key, exec.RunID())
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeCancelled) {
			return
		}
		exec.triage.Add(triage.NewRecord(task.ID, task.Index, 0, err, e.now()))
		e.fail(ctx, exec, task, err)
		return
	}

	// Detached so a cancel does not interrupt bookkeeping of a started task.
	bg := context.WithoutCancel(ctx)

	if outcome.Cached {
		e.metrics.IdempotencyHit(ctx)
		log.Debug("Result served from idempotency store")
		unit := e.txns.Begin(exec.ID, task.ID)
		if err := e.txns.Commit(bg, unit); err != nil {
			_ = e.txns.Rollback(unit)
			exec.triage.Add(triage.NewRecord(task.ID, task.Index, 0, err, e.now()))
			e.fail(ctx, exec, task, err)
			return
		}
		e.transition(ctx, exec, task.ID, dag.StatusRunning, dag.StatusReady, 0, nil)
		e.succeed(ctx, exec, task, outcome.Result)
		return
	}
	res := outcome.Reservation

	retryCfg := exec.cfg.retryConfig()
	if e.sleep != nil {
		retryCfg.Sleep = e.sleep
	}
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		e.metrics.TaskRetried(ctx, string(errors.CodeOf(err)))
		log.Warn("Task attempt failed, retrying", logger.Fields(
			logger.FieldAttempt, attempt,
			logger.FieldError, err.Error(),
			"backoff_ms", backoff.Milliseconds(),
		))
	}

	started := e.now()
	e.metrics.TaskStarted(ctx)
	attempts := 0
	result, err := resilience.Retry(ctx, retryCfg, func(attempt int) (map[string]any, error) {
		attempts = attempt
		exec.setAttempt(task.ID, attempt)
		from := dag.StatusReady
		if attempt > 1 {
			from = dag.StatusRunning
		}
		e.transition(ctx, exec, task.ID, dag.StatusRunning, from, attempt, nil)
		return e.attempt(ctx, exec, task, handler, attempt)
	})
	duration := e.now().Sub(started)

	if err != nil && attempts == 0 {
		// Cancelled between reservation and the first attempt.
		e.metrics.TaskFinished(ctx, "cancelled", duration)
		if relErr := e.guard.Release(bg, res); relErr != nil {
			log.Warn("Could not release reservation", logger.ErrorFields("idempotency.release", relErr))
		}
		return
	}
	if err != nil {
		e.metrics.TaskFinished(ctx, string(dag.StatusFailed), duration)
		if relErr := e.guard.Release(bg, res); relErr != nil {
			log.Warn("Could not release reservation", logger.ErrorFields("idempotency.release", relErr))
		}
		observability.SetSpanError(ctx, err)
		e.fail(ctx, exec, task, err)
		return
	}

	if err := e.guard.Store(bg, res, result, 0); err != nil {
		log.Error("Could not store idempotent result", logger.ErrorFields("idempotency.store", err))
		if errors.IsFatalCode(errors.CodeOf(err)) {
			exec.setFatal(err)
		}
	}
	e.metrics.TaskFinished(ctx, string(dag.StatusSucceeded), duration)
	e.succeed(ctx, exec, task, result)
}

// attempt runs the handler once inside a fresh unit.
func (e *Executor) attempt(ctx context.Context, exec *Execution, task dag.Task, h Handler, n int) (map[string]any, error) {
	unit := e.txns.Begin(exec.ID, task.ID)
	upstream, order := exec.upstreamFor(task.ID)
	tc := &TaskContext{
		ExecutionID: exec.ID,
		DAGID:       exec.DAGID,
		TaskID:      task.ID,
		Attempt:     n,
		Params:      cloneParams(task.Params),
		Unit:        unit,
		Log:         e.log.WithExecution(exec.ID).WithFields(logger.TaskFields(exec.ID, task.ID)),
		upstream:    upstream,
		order:       order,
	}

	out, err := e.invoke(ctx, task, h, tc, timeoutOf(task, exec.cfg))
	if err == nil {
		err = e.txns.Commit(context.WithoutCancel(ctx), unit)
	}
	if err != nil {
		if unit.Active() {
			_ = e.txns.Rollback(unit)
		}
		exec.triage.Add(triage.NewRecord(task.ID, task.Index, n, err, e.now()))
		return nil, err
	}
	return out, nil
}

// invoke calls the handler with its deadline, converting panics and
// deadline expiry into task errors. Cancelling the execution does not reach
// a running handler.
func (e *Executor) invoke(ctx context.Context, task dag.Task, h Handler, tc *TaskContext, timeout time.Duration) (map[string]any, error) {
	hctx := context.WithoutCancel(ctx)
	cancel := func() {}
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(hctx, timeout)
	}
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.TaskExecution(task.ID, fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		out, err := h.Execute(hctx, tc)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, handlerError(hctx, task.ID, r.err, timeout)
		}
		return r.out, nil
	case <-hctx.Done():
		return nil, errors.Timeout(task.ID, timeout)
	}
}

func handlerError(ctx context.Context, taskID string, err error, timeout time.Duration) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeout(taskID, timeout)
	}
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	return errors.TaskExecution(taskID, err)
}

func (e *Executor) succeed(ctx context.Context, exec *Execution, task dag.Task, result map[string]any) {
	exec.setResult(task.ID, result)
	_, moved, resolved := exec.setStatus(task.ID, dag.StatusSucceeded, dag.StatusRunning, nil)
	if !moved {
		return
	}
	e.publishTask(ctx, exec, task.ID, dag.StatusRunning, dag.StatusSucceeded, exec.Attempts(task.ID), nil)
	exec.progress.Record(progress.OutcomeSucceeded)
	if len(task.Branches) > 0 {
		e.route(ctx, exec, task)
	}
	e.maybeCheckpoint(ctx, exec, resolved)
}

// route applies the task's branches and skips the targets it did not select.
func (e *Executor) route(ctx context.Context, exec *Execution, task dag.Task) {
	decision, err := e.router.Route(task.Branches, exec.routingInput(task.ID))
	if err != nil {
		e.log.WithExecution(exec.ID).Warn("Branch routing failed, skipping every target",
			logger.ErrorFields("router.route", err))
		exec.triage.Add(triage.NewRecord(task.ID, task.Index, 0, err, e.now()))
		decision = router.Decision{Skipped: task.BranchTargets(), Matched: -1}
	}
	exec.setRoute(task.ID, decision)
	for _, target := range decision.Skipped {
		if exec.TaskStatus(target) == dag.StatusPending {
			e.skip(ctx, exec, target, nil)
		}
	}
}

// fail resolves a task as failed and skips its transitive dependents.
func (e *Executor) fail(ctx context.Context, exec *Execution, task dag.Task, err error) {
	from := exec.TaskStatus(task.ID)
	_, moved, resolved := exec.setStatus(task.ID, dag.StatusFailed, "", err)
	if !moved {
		return
	}
	e.publishTask(ctx, exec, task.ID, from, dag.StatusFailed, exec.Attempts(task.ID), err)
	exec.progress.Record(progress.OutcomeFailed)

	log := e.log.WithExecution(exec.ID)
	log.Warn("Task failed", logger.Fields(
		logger.FieldTaskID, task.ID,
		logger.FieldAttempt, exec.Attempts(task.ID),
		logger.FieldError, err.Error(),
	))
	if errors.IsFatalCode(errors.CodeOf(err)) {
		log.Error("Integrity violation, aborting execution", logger.ErrorFields("task", err))
		exec.setFatal(err)
	}
	if task.Critical || exec.cfg.isCritical(task.ID) {
		exec.markCritical(task.ID)
	}

	for _, dep := range exec.dag.TransitiveDependents(task.ID) {
		e.skip(ctx, exec, dep, errors.DependencyFailure(dep, task.ID))
	}
	e.maybeCheckpoint(ctx, exec, resolved)
}

// skip resolves a pending task as skipped. A nil reason means routing
// skipped it. It reports whether the task moved.
func (e *Executor) skip(ctx context.Context, exec *Execution, taskID string, reason error) bool {
	_, moved, resolved := exec.setStatus(taskID, dag.StatusSkipped, dag.StatusPending, reason)
	if !moved {
		return false
	}
	e.publishTask(ctx, exec, taskID, dag.StatusPending, dag.StatusSkipped, 0, reason)
	exec.progress.Record(progress.OutcomeSkipped)
	if reason != nil {
		task, _ := exec.dag.Task(taskID)
		exec.triage.Add(triage.NewRecord(taskID, task.Index, 0, reason, e.now()))
		e.metrics.TaskSkipped(ctx, string(errors.CodeOf(reason)))
	} else {
		e.metrics.TaskSkipped(ctx, "branch")
	}
	e.maybeCheckpoint(ctx, exec, resolved)
	return true
}

func (e *Executor) transition(ctx context.Context, exec *Execution, taskID string, to, from dag.Status, attempt int, err error) {
	if _, moved, _ := exec.setStatus(taskID, to, from, err); moved && from != to {
		e.publishTask(ctx, exec, taskID, from, to, attempt, err)
	}
}

func (e *Executor) maybeCheckpoint(ctx context.Context, exec *Execution, resolved int) {
	cp, trigger, due := exec.dueFrontier(resolved, e.now())
	if !due {
		return
	}
	e.saveCheckpoint(ctx, exec, cp, trigger)
}

func (e *Executor) saveCheckpoint(ctx context.Context, exec *Execution, cp *checkpoint.Checkpoint, trigger checkpoint.Trigger) {
	ctx, span := observability.StartSpan(context.WithoutCancel(ctx), observability.SpanCheckpoint, trace.WithAttributes(
		attribute.String(observability.AttrExecutionID, exec.ID),
		attribute.String("flowgraph.checkpoint.trigger", string(trigger)),
	))
	defer span.End()

	saved, err := e.checkpoints.Save(ctx, cp)
	if err != nil {
		observability.SetSpanError(ctx, err)
		if errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
			exec.setFatal(err)
			return
		}
		e.log.WithExecution(exec.ID).Warn("Checkpoint save failed", logger.ErrorFields("checkpoint.save", err))
		return
	}
	if !saved {
		return
	}
	e.metrics.CheckpointSaved(ctx, string(trigger))
	e.bus.Publish(ctx, events.Event{
		Type: events.TypeCheckpoint, ExecutionID: exec.ID, DAGID: exec.DAGID,
		Sequence: cp.Sequence, Timestamp: e.now(),
	})
}

// finish computes the outcome, writes the final checkpoint and closes exec.
func (e *Executor) finish(ctx context.Context, exec *Execution) Status {
	status := outcomeOf(exec, ctx.Err() != nil)
	bg := context.WithoutCancel(ctx)
	log := e.log.WithExecution(exec.ID)

	if status == StatusCompleted {
		if err := e.checkpoints.Delete(bg, exec.ID); err != nil {
			log.Warn("Could not delete checkpoint", logger.ErrorFields("checkpoint.delete", err))
		}
	} else if exec.Err() == nil {
		e.saveCheckpoint(bg, exec, exec.frontier(e.now()), checkpoint.TriggerFinal)
	}

	exec.finish(status, e.now())
	e.metrics.ExecutionFinished(bg, string(status))
	e.publishExecution(bg, exec, StatusRunning, status)

	snap := exec.Progress()
	log.Info("Execution finished", logger.Fields(
		logger.FieldStatus, string(status),
		"completed", snap.Completed,
		"failed", snap.Failed,
		"skipped", snap.Skipped,
		"remaining", snap.Remaining,
	))
	return status
}

func outcomeOf(exec *Execution, cancelled bool) Status {
	exec.mu.RLock()
	defer exec.mu.RUnlock()

	if exec.fatal != nil || exec.criticalFailed != "" {
		return StatusFailed
	}
	total := len(exec.tasks)
	if exec.resolved < total && (cancelled || exec.cancelled) {
		return StatusCancelled
	}

	succeeded, failed, failureSkips := 0, 0, 0
	for id, st := range exec.tasks {
		switch st {
		case dag.StatusSucceeded:
			succeeded++
		case dag.StatusFailed:
			failed++
		case dag.StatusSkipped:
			if exec.errs[id] != nil {
				failureSkips++
			}
		}
	}
	switch {
	case failed == 0 && failureSkips == 0 && exec.resolved == total:
		return StatusCompleted
	case succeeded == 0 && failed > 0:
		return StatusFailed
	default:
		return StatusPartiallyCompleted
	}
}

func (e *Executor) publishTask(ctx context.Context, exec *Execution, taskID string, from, to dag.Status, attempt int, err error) {
	ev := events.Event{
		Type:        events.TypeTaskState,
		ExecutionID: exec.ID,
		DAGID:       exec.DAGID,
		TaskID:      taskID,
		From:        string(from),
		To:          string(to),
		Attempt:     attempt,
		Timestamp:   e.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(ctx, ev)
}

func (e *Executor) publishExecution(ctx context.Context, exec *Execution, from, to Status) {
	ev := events.Event{
		Type:        events.TypeExecutionState,
		ExecutionID: exec.ID,
		DAGID:       exec.DAGID,
		From:        string(from),
		To:          string(to),
		Timestamp:   e.now(),
	}
	if err := exec.Err(); err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(ctx, ev)
}

func operationOf(task dag.Task) string {
	if task.HandlerRef != "" {
		return task.HandlerRef
	}
	return "execute"
}

func timeoutOf(task dag.Task, cfg Config) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return cfg.TaskTimeout
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
