package executor

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/progress"
	"github.com/kbukum/flowgraph/router"
	"github.com/kbukum/flowgraph/triage"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusPaused             Status = "paused"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// Terminal reports whether the execution has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ExecutionOption configures a new Execution.
type ExecutionOption func(*executionOptions)

type executionOptions struct {
	completed      map[string]map[string]any
	velocityWindow time.Duration
	triage         triage.Config
	now            func() time.Time
}

// WithCompleted marks tasks as already succeeded with the given results.
// Used by resume and retry.
func WithCompleted(results map[string]map[string]any) ExecutionOption {
	return func(o *executionOptions) {
		for id, r := range results {
			o.completed[id] = r
		}
	}
}

// WithResumePlan marks every task the checkpoint completed as succeeded.
func WithResumePlan(plan *checkpoint.ResumePlan) ExecutionOption {
	return func(o *executionOptions) {
		if plan == nil {
			return
		}
		for id := range plan.Skip {
			o.completed[id] = plan.Results[id]
		}
	}
}

// WithVelocityWindow sets the progress velocity window.
func WithVelocityWindow(d time.Duration) ExecutionOption {
	return func(o *executionOptions) { o.velocityWindow = d }
}

// WithTriageConfig tunes error clustering.
func WithTriageConfig(cfg triage.Config) ExecutionOption {
	return func(o *executionOptions) { o.triage = cfg }
}

// WithExecutionClock replaces the clock used by progress tracking.
func WithExecutionClock(now func() time.Time) ExecutionOption {
	return func(o *executionOptions) { o.now = now }
}

// Execution is the state of one run of a DAG. The executor owns all
// mutation; callers read through the accessor methods.
type Execution struct {
	ID    string
	DAGID string

	// run tells this attempt at the execution apart from earlier ones that
	// share ID, such as a run that crashed before a resume.
	run       string
	dag       *dag.DAG
	cfg       Config
	levels    [][]string
	ancestors map[string][]string
	progress  *progress.Tracker
	triage    *triage.Collector
	gate      *gate
	done      chan struct{}

	mu             sync.RWMutex
	status         Status
	started        bool
	tasks          map[string]dag.Status
	results        map[string]map[string]any
	errs           map[string]error
	attempts       map[string]int
	routes         map[string]router.Decision
	resolved       int
	preloaded      int
	startedAt      time.Time
	finishedAt     time.Time
	seq            int64
	lastCheckpoint time.Time
	criticalFailed string
	fatal          error
	cancelled      bool
	cancel         context.CancelFunc
	onMilestone    func(milestone int, snap progress.Snapshot)
}

// RunID identifies this run of the execution.
func (e *Execution) RunID() string { return e.run }

// NewExecution prepares an execution of a validated DAG.
func NewExecution(id string, d *dag.DAG, cfg Config, opts ...ExecutionOption) (*Execution, error) {
	if id == "" {
		return nil, errors.InvalidInput("execution_id", "execution id is required")
	}
	if d == nil {
		return nil, errors.InvalidInput("dag", "dag is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	levels, err := dag.Levels(d)
	if err != nil {
		return nil, err
	}

	o := &executionOptions{completed: make(map[string]map[string]any), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	ex := &Execution{
		ID:        id,
		DAGID:     d.ID,
		run:       uuid.NewString(),
		dag:       d,
		cfg:       cfg,
		levels:    levels,
		ancestors: ancestorsOf(d, levels),
		triage:    triage.NewCollector(o.triage),
		gate:      newGate(),
		done:      make(chan struct{}),
		status:    StatusPending,
		tasks:     make(map[string]dag.Status, d.Len()),
		results:   make(map[string]map[string]any),
		errs:      make(map[string]error),
		attempts:  make(map[string]int),
		routes:    make(map[string]router.Decision),
	}
	for _, tid := range d.TaskIDs() {
		ex.tasks[tid] = dag.StatusPending
	}
	for tid, r := range o.completed {
		if _, ok := ex.tasks[tid]; !ok {
			return nil, errors.InvalidInput("completed", "task "+tid+" is not part of the graph")
		}
		ex.tasks[tid] = dag.StatusSucceeded
		ex.results[tid] = maps.Clone(r)
		ex.resolved++
	}
	ex.preloaded = ex.resolved

	ex.progress = progress.NewTracker(
		progress.WithWindow(o.velocityWindow),
		progress.WithClock(o.now),
		progress.OnMilestone(func(m int, snap progress.Snapshot) {
			ex.mu.RLock()
			fn := ex.onMilestone
			ex.mu.RUnlock()
			if fn != nil {
				fn(m, snap)
			}
		}),
	)
	ex.progress.Start(d.Len())
	ex.progress.Preload(ex.preloaded)
	return ex, nil
}

// ancestorsOf lists every transitive predecessor of each task in insertion order.
func ancestorsOf(d *dag.DAG, levels [][]string) map[string][]string {
	index := make(map[string]int)
	for _, t := range d.Tasks() {
		index[t.ID] = t.Index
	}
	sets := make(map[string]map[string]bool)
	out := make(map[string][]string)
	for _, level := range levels {
		for _, id := range level {
			set := make(map[string]bool)
			for _, p := range d.Predecessors(id) {
				set[p] = true
				for a := range sets[p] {
					set[a] = true
				}
			}
			sets[id] = set
			ids := make([]string, 0, len(set))
			for a := range set {
				ids = append(ids, a)
			}
			sortByIndex(ids, index)
			out[id] = ids
		}
	}
	return out
}

func sortByIndex(ids []string, index map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
}

// DAG returns the graph being executed.
func (e *Execution) DAG() *dag.DAG { return e.dag }

// Config returns the execution configuration.
func (e *Execution) Config() Config { return e.cfg }

// Levels returns the scheduling levels.
func (e *Execution) Levels() [][]string {
	out := make([][]string, len(e.levels))
	for i, l := range e.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Status returns the execution status.
func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status == StatusRunning && e.gate.isPaused() {
		return StatusPaused
	}
	return e.status
}

// TaskStatus returns the status of one task.
func (e *Execution) TaskStatus(taskID string) dag.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks[taskID]
}

// TaskStatuses returns a copy of every task status.
func (e *Execution) TaskStatuses() map[string]dag.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.tasks)
}

// Results returns a copy of the succeeded task results.
func (e *Execution) Results() map[string]map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]map[string]any, len(e.results))
	for id, r := range e.results {
		out[id] = maps.Clone(r)
	}
	return out
}

// TaskError returns the error a failed or skipped task resolved with.
func (e *Execution) TaskError(taskID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errs[taskID]
}

// Attempts returns how many handler attempts a task used.
func (e *Execution) Attempts(taskID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempts[taskID]
}

// Progress returns the current progress snapshot.
func (e *Execution) Progress() progress.Snapshot { return e.progress.Snapshot() }

// ErrorReport returns the triage report. It never fails.
func (e *Execution) ErrorReport() triage.Report { return e.triage.Report() }

// Err returns the integrity error that aborted the execution, if any.
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fatal
}

// Done is closed when the execution reaches a terminal status.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Pause holds tasks that have not started yet. Running tasks finish.
func (e *Execution) Pause() error {
	if e.Status().Terminal() {
		return errors.Conflict("execution " + e.ID + " has finished")
	}
	e.gate.pause()
	return nil
}

// Resume releases a paused execution.
func (e *Execution) Resume() error {
	if e.Status().Terminal() {
		return errors.Conflict("execution " + e.ID + " has finished")
	}
	e.gate.unpause()
	return nil
}

// Cancel stops the execution at the next task-start boundary. Running tasks
// finish and keep their outcome.
func (e *Execution) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StatusReport is a well-formed view of an execution at any point.
type StatusReport struct {
	ExecutionID string                `json:"execution_id"`
	DAGID       string                `json:"dag_id"`
	Status      Status                `json:"status"`
	Progress    progress.Snapshot     `json:"progress"`
	Tasks       map[string]dag.Status `json:"tasks"`
	Errors      map[string]string     `json:"errors,omitempty"`
	StartedAt   time.Time             `json:"started_at,omitempty"`
	FinishedAt  time.Time             `json:"finished_at,omitempty"`
}

// Report builds a StatusReport.
func (e *Execution) Report() StatusReport {
	status := e.Status()
	snap := e.progress.Snapshot()

	e.mu.RLock()
	defer e.mu.RUnlock()
	r := StatusReport{
		ExecutionID: e.ID,
		DAGID:       e.DAGID,
		Status:      status,
		Progress:    snap,
		Tasks:       maps.Clone(e.tasks),
		StartedAt:   e.startedAt,
		FinishedAt:  e.finishedAt,
	}
	if len(e.errs) > 0 {
		r.Errors = make(map[string]string, len(e.errs))
		for id, err := range e.errs {
			r.Errors[id] = err.Error()
		}
	}
	return r
}

// --- state transitions, called by the executor ---

func (e *Execution) begin(now time.Time, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.Conflict("execution " + e.ID + " has already run")
	}
	e.started = true
	e.status = StatusRunning
	e.startedAt = now
	e.lastCheckpoint = now
	e.cancel = cancel
	if e.cancelled {
		cancel()
	}
	return nil
}

func (e *Execution) finish(status Status, now time.Time) {
	e.mu.Lock()
	e.status = status
	e.finishedAt = now
	e.cancel = nil
	e.mu.Unlock()
	e.gate.unpause()
	close(e.done)
}

// setStatus moves a task to `to`. When onlyFrom is non-empty the move only
// happens from that state. It returns the previous state, whether the move
// happened and the resolved count after it.
func (e *Execution) setStatus(taskID string, to dag.Status, onlyFrom dag.Status, err error) (dag.Status, bool, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.tasks[taskID]
	if onlyFrom != "" && from != onlyFrom {
		return from, false, e.resolved
	}
	if from.Terminal() && from != to {
		return from, false, e.resolved
	}
	e.tasks[taskID] = to
	if err != nil {
		e.errs[taskID] = err
	}
	if to.Terminal() && !from.Terminal() {
		e.resolved++
	}
	return from, true, e.resolved
}

func (e *Execution) setResult(taskID string, result map[string]any) {
	e.mu.Lock()
	e.results[taskID] = maps.Clone(result)
	e.mu.Unlock()
}

func (e *Execution) setRoute(taskID string, d router.Decision) {
	e.mu.Lock()
	e.routes[taskID] = d
	e.mu.Unlock()
}

func (e *Execution) setAttempt(taskID string, n int) {
	e.mu.Lock()
	e.attempts[taskID] = n
	e.mu.Unlock()
}

func (e *Execution) markCritical(taskID string) {
	e.mu.Lock()
	if e.criticalFailed == "" {
		e.criticalFailed = taskID
	}
	e.mu.Unlock()
}

func (e *Execution) criticalFailure() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.criticalFailed
}

func (e *Execution) setFatal(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
}

// upstreamFor returns copies of the succeeded ancestors' results.
func (e *Execution) upstreamFor(taskID string) (map[string]map[string]any, []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	results := make(map[string]map[string]any)
	var order []string
	for _, a := range e.ancestors[taskID] {
		if e.tasks[a] != dag.StatusSucceeded {
			continue
		}
		results[a] = maps.Clone(e.results[a])
		order = append(order, a)
	}
	return results, order
}

// routingInput is the task's own result followed by its succeeded ancestors.
func (e *Execution) routingInput(taskID string) []router.Upstream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in := []router.Upstream{{TaskID: taskID, Output: e.results[taskID]}}
	for _, a := range e.ancestors[taskID] {
		if e.tasks[a] == dag.StatusSucceeded {
			in = append(in, router.Upstream{TaskID: a, Output: e.results[a]})
		}
	}
	return in
}

// gateFor decides whether a task may run once its level is reached. A
// failed or failure-skipped predecessor skips it with DEPENDENCY_FAILURE; a
// branch that did not select it, or a predecessor skipped by routing, skips
// it without an error.
func (e *Execution) gateFor(task dag.Task) (run bool, reason error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	branchSources := make(map[string]bool)
	for _, s := range e.dag.BranchSources(task.ID) {
		branchSources[s] = true
	}

	run = true
	for _, p := range e.dag.Predecessors(task.ID) {
		switch e.tasks[p] {
		case dag.StatusSucceeded:
			if branchSources[p] && !selected(e.routes[p], task.ID) {
				run = false
			}
		case dag.StatusSkipped:
			if errors.HasCode(e.errs[p], errors.ErrCodeDependencyFailure) {
				return false, errors.DependencyFailure(task.ID, p)
			}
			run = false
		default:
			return false, errors.DependencyFailure(task.ID, p)
		}
	}
	return run, nil
}

func selected(d router.Decision, taskID string) bool {
	for _, id := range d.Selected {
		if id == taskID {
			return true
		}
	}
	return false
}

// dueFrontier builds a checkpoint when the policy says one is due after the
// given number of resolutions.
func (e *Execution) dueFrontier(resolved int, now time.Time) (*checkpoint.Checkpoint, checkpoint.Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	trigger, due := e.cfg.policy().Due(resolved, e.lastCheckpoint, now)
	if !due {
		return nil, "", false
	}
	return e.frontierLocked(now), trigger, true
}

// frontier builds a checkpoint of the current state unconditionally.
func (e *Execution) frontier(now time.Time) *checkpoint.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frontierLocked(now)
}

// setSequenceBase makes the next checkpoint follow the newest stored one.
func (e *Execution) setSequenceBase(seq int64) {
	e.mu.Lock()
	if seq > e.seq {
		e.seq = seq
	}
	e.mu.Unlock()
}

func (e *Execution) frontierLocked(now time.Time) *checkpoint.Checkpoint {
	e.seq++
	e.lastCheckpoint = now
	cp := &checkpoint.Checkpoint{
		ExecutionID: e.ID,
		DAGID:       e.DAGID,
		Sequence:    e.seq,
		Results:     make(map[string]map[string]any),
		TakenAt:     now,
	}
	cursor := true
	for _, id := range e.dag.TaskIDs() {
		st := e.tasks[id]
		switch st {
		case dag.StatusSucceeded:
			cp.CompletedItemIDs = append(cp.CompletedItemIDs, id)
			if r := e.results[id]; r != nil {
				cp.Results[id] = maps.Clone(r)
			}
		case dag.StatusFailed:
			summary := ""
			if err := e.errs[id]; err != nil {
				summary = err.Error()
			}
			cp.FailedItems = append(cp.FailedItems, checkpoint.FailedItem{ItemID: id, ErrorSummary: summary})
		}
		if cursor && st.Terminal() {
			cp.CursorIndex++
		} else {
			cursor = false
		}
	}
	return cp
}

// gate holds task starts while paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newGate() *gate { return &gate{resume: make(chan struct{})} }

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

func (g *gate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// wait blocks while paused.
func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return ctx.Err()
		}
		ch := g.resume
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
