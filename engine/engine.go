package engine

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/component"
	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/executor"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/triage"
	"github.com/kbukum/flowgraph/txn"
)

// Engine owns submitted DAGs and their executions.
type Engine struct {
	log         *logger.Logger
	executor    *executor.Executor
	checkpoints *checkpoint.Store
	defaults    executor.Config
	execOpts    []executor.ExecutionOption
	newID       func() string
	components  *component.Registry
	closers     []func(ctx context.Context) error

	mu     sync.RWMutex
	dags   map[string]*dag.DAG
	runs   map[string]*run
	group  errgroup.Group
	closed bool
}

// run tracks one execution. done closes once Run has returned and status
// and err are set.
type run struct {
	exec   *executor.Execution
	done   chan struct{}
	status executor.Status
	err    error
}

// New creates an Engine. Collaborators that are not supplied get in-memory
// defaults; the checkpoint store then checks frontiers against the engine's
// transaction manager.
func New(opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.txns == nil {
		o.txns = txn.NewManager(nil, o.log)
	}
	if o.checkpoints == nil {
		o.checkpoints = checkpoint.NewStore(nil, checkpoint.WithCommitLog(o.txns), checkpoint.WithLogger(o.log))
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	defaults := executor.DefaultConfig()
	if o.defaults != nil {
		defaults = *o.defaults
	}

	execOpts := []executor.Option{
		executor.WithLogger(o.log),
		executor.WithTxnManager(o.txns),
		executor.WithCheckpointStore(o.checkpoints),
	}
	if o.registry != nil {
		execOpts = append(execOpts, executor.WithRegistry(o.registry))
	}
	if o.guard != nil {
		execOpts = append(execOpts, executor.WithGuard(o.guard))
	}
	if o.bus != nil {
		execOpts = append(execOpts, executor.WithEventBus(o.bus))
	}
	if o.metrics != nil {
		execOpts = append(execOpts, executor.WithMetrics(o.metrics))
	}
	if o.retrySleep != nil {
		execOpts = append(execOpts, executor.WithRetrySleep(o.retrySleep))
	}

	var perExec []executor.ExecutionOption
	if o.velocityWindow > 0 {
		perExec = append(perExec, executor.WithVelocityWindow(o.velocityWindow))
	}
	perExec = append(perExec, executor.WithTriageConfig(o.triage))

	return &Engine{
		log:         o.log.WithComponent("engine"),
		executor:    executor.New(execOpts...),
		checkpoints: o.checkpoints,
		defaults:    defaults,
		execOpts:    perExec,
		newID:       o.newID,
		components:  o.components,
		closers:     o.closers,
		dags:        make(map[string]*dag.DAG),
		runs:        make(map[string]*run),
	}
}

// Registry returns the handler registry tasks resolve their HandlerRef in.
func (e *Engine) Registry() *executor.Registry { return e.executor.Registry() }

// Components returns the backends NewFromConfig started, or nil.
func (e *Engine) Components() *component.Registry { return e.components }

// SubmitDAG validates d and makes it available to StartExecution.
func (e *Engine) SubmitDAG(d *dag.DAG) (string, error) {
	if d == nil {
		return "", errors.InvalidInput("dag", "dag is required")
	}
	if d.ID == "" {
		return "", errors.InvalidInput("dag.id", "dag id is required")
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.dags[d.ID]; exists {
		return "", errors.Conflict("dag "+d.ID+" is already submitted").WithDetail(logger.FieldDAGID, d.ID)
	}
	e.dags[d.ID] = d
	e.log.Info("DAG submitted", logger.Fields(logger.FieldDAGID, d.ID, "tasks", d.Len()))
	return d.ID, nil
}

// SubmitDefinition builds a DAG from a parsed definition and submits it.
func (e *Engine) SubmitDefinition(def *dag.Definition) (string, error) {
	if def == nil {
		return "", errors.InvalidInput("definition", "definition is required")
	}
	d, err := def.Build()
	if err != nil {
		return "", err
	}
	return e.SubmitDAG(d)
}

// DAG returns a submitted DAG.
func (e *Engine) DAG(dagID string) (*dag.DAG, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.dags[dagID]
	if !ok {
		return nil, errors.NotFound("dag", dagID)
	}
	return d, nil
}

// StartExecution starts a new execution of a submitted DAG and returns its
// id. A nil cfg uses the engine defaults. The execution runs in the
// background; ctx only bounds the start itself.
func (e *Engine) StartExecution(ctx context.Context, dagID string, cfg *executor.Config) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Cancelled("start execution").WithCause(err)
	}
	d, err := e.DAG(dagID)
	if err != nil {
		return "", err
	}
	if err := e.checkHandlers(d); err != nil {
		return "", err
	}
	exec, err := executor.NewExecution(e.newID(), d, e.configOf(cfg), e.execOpts...)
	if err != nil {
		return "", err
	}
	if err := e.launch(exec, false); err != nil {
		return "", err
	}
	return exec.ID, nil
}

// ResumeFromCheckpoint continues a crashed execution from its latest
// checkpoint: completed tasks are skipped and everything else runs again
// under the same execution id.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, dagID, executionID string, cfg *executor.Config) error {
	d, err := e.DAG(dagID)
	if err != nil {
		return err
	}
	if err := e.checkHandlers(d); err != nil {
		return err
	}
	plan, err := e.checkpoints.Resume(ctx, executionID, d.Tasks())
	if err != nil {
		return err
	}
	if !plan.Found {
		return errors.NotFound("checkpoint", executionID)
	}
	opts := append(append([]executor.ExecutionOption(nil), e.execOpts...), executor.WithResumePlan(plan))
	exec, err := executor.NewExecution(executionID, d, e.configOf(cfg), opts...)
	if err != nil {
		return err
	}
	return e.launch(exec, true)
}

// RetryFailed starts the execution again under the same id. Tasks that
// succeeded keep their results; failed tasks and the tasks skipped because
// of them run again, and idempotency keys stay stable.
func (e *Engine) RetryFailed(ctx context.Context, executionID string) error {
	if err := ctx.Err(); err != nil {
		return errors.Cancelled("retry execution").WithCause(err)
	}
	r, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	prev := r.exec
	switch st := prev.Status(); st {
	case executor.StatusFailed, executor.StatusPartiallyCompleted, executor.StatusCancelled:
	case executor.StatusCompleted:
		return errors.Conflict("execution " + executionID + " completed, nothing to retry")
	default:
		return errors.Conflict("execution " + executionID + " is " + string(st))
	}

	completed := make(map[string]map[string]any)
	results := prev.Results()
	for id, st := range prev.TaskStatuses() {
		if st == dag.StatusSucceeded {
			completed[id] = results[id]
		}
	}
	opts := append(append([]executor.ExecutionOption(nil), e.execOpts...), executor.WithCompleted(completed))
	exec, err := executor.NewExecution(executionID, prev.DAG(), prev.Config(), opts...)
	if err != nil {
		return err
	}
	e.log.Info("Retrying execution", logger.Fields(
		logger.FieldExecutionID, executionID,
		"kept", len(completed),
	))
	return e.launch(exec, true)
}

// Pause holds the execution's tasks that have not started yet.
func (e *Engine) Pause(executionID string) error {
	r, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	return r.exec.Pause()
}

// Resume releases a paused execution.
func (e *Engine) Resume(executionID string) error {
	r, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	return r.exec.Resume()
}

// Cancel stops the execution at the next task-start boundary.
func (e *Engine) Cancel(executionID string) error {
	r, err := e.lookup(executionID)
	if err != nil {
		return err
	}
	if r.exec.Status().Terminal() {
		return errors.Conflict("execution " + executionID + " has finished")
	}
	r.exec.Cancel()
	return nil
}

// GetExecutionStatus reports the current state of an execution.
func (e *Engine) GetExecutionStatus(executionID string) (executor.StatusReport, error) {
	r, err := e.lookup(executionID)
	if err != nil {
		return executor.StatusReport{}, err
	}
	return r.exec.Report(), nil
}

// GetErrorReport analyses the errors recorded so far.
func (e *Engine) GetErrorReport(executionID string) (triage.Report, error) {
	r, err := e.lookup(executionID)
	if err != nil {
		return triage.Report{}, err
	}
	return r.exec.ErrorReport(), nil
}

// Wait blocks until the execution is terminal and returns its status. The
// error is the integrity failure that aborted the run, if any.
func (e *Engine) Wait(ctx context.Context, executionID string) (executor.Status, error) {
	r, err := e.lookup(executionID)
	if err != nil {
		return "", err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.exec.Status(), errors.Cancelled("wait").WithCause(ctx.Err())
	}
	if r.status == "" {
		return r.exec.Status(), r.err
	}
	return r.status, r.err
}

// Executions lists the known execution ids.
func (e *Engine) Executions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running execution, waits for them to drain, then
// stops the backends the engine owns. New executions are refused afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var running []*executor.Execution
	for _, r := range e.runs {
		if !r.exec.Status().Terminal() {
			running = append(running, r.exec)
		}
	}
	e.mu.Unlock()

	e.log.Info("Shutting down", logger.Fields("running", len(running)))
	for _, exec := range running {
		exec.Cancel()
	}

	drained := make(chan error, 1)
	go func() { drained <- e.group.Wait() }()

	var errs []error
	select {
	case err := <-drained:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, errors.Cancelled("shutdown drain").WithCause(ctx.Err()))
	}

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.components != nil {
		if err := e.components.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (e *Engine) configOf(cfg *executor.Config) executor.Config {
	if cfg == nil {
		return e.defaults
	}
	return *cfg
}

func (e *Engine) checkHandlers(d *dag.DAG) error {
	reg := e.executor.Registry()
	for _, t := range d.Tasks() {
		if _, ok := reg.Get(t.HandlerRef); !ok {
			return errors.NotFound("handler", t.HandlerRef).WithDetail(logger.FieldTaskID, t.ID)
		}
	}
	return nil
}

func (e *Engine) lookup(executionID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[executionID]
	if !ok {
		return nil, errors.NotFound("execution", executionID)
	}
	return r, nil
}

// launch registers exec and runs it in the background. replace allows a
// terminal execution with the same id to be superseded.
func (e *Engine) launch(exec *executor.Execution, replace bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Conflict("engine is shut down")
	}
	if prev, exists := e.runs[exec.ID]; exists {
		if !replace {
			return errors.Conflict("execution " + exec.ID + " already exists")
		}
		if !prev.exec.Status().Terminal() {
			return errors.Conflict("execution " + exec.ID + " is still running")
		}
	}

	r := &run{exec: exec, done: make(chan struct{})}
	e.runs[exec.ID] = r
	e.group.Go(func() error {
		status, err := e.executor.Run(context.Background(), exec)
		r.status, r.err = status, err
		close(r.done)
		if err != nil {
			e.log.Error("Execution aborted", logger.Fields(
				logger.FieldExecutionID, exec.ID,
				logger.FieldError, err.Error(),
			))
		}
		return nil
	})
	return nil
}
