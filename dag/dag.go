package dag

import (
	"sort"
	"sync"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/validation"
)

// DAG is a graph of tasks. It is mutable until Validate succeeds and
// read-only afterwards.
type DAG struct {
	ID   string
	Name string

	mu        sync.RWMutex
	tasks     map[string]*Task
	order     []string
	validated bool

	// Derived by Validate.
	predecessors  map[string][]string
	successors    map[string][]string
	branchSources map[string][]string
}

// New creates an empty DAG.
func New(id, name string) *DAG {
	return &DAG{
		ID:    id,
		Name:  name,
		tasks: make(map[string]*Task),
	}
}

// AddTask adds a copy of task. It fails with DUPLICATE_TASK when the id is
// already present and with CONFLICT once the graph is validated.
func (d *DAG) AddTask(task Task) error {
	if err := validation.New().Identifier("id", task.ID).Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.validated {
		return errors.Conflict("dag " + d.ID + " is validated and can no longer change")
	}
	if _, exists := d.tasks[task.ID]; exists {
		return errors.DuplicateTask(task.ID)
	}

	t := task
	t.Dependencies = append([]string(nil), task.Dependencies...)
	t.Branches = append([]Branch(nil), task.Branches...)
	t.Index = len(d.order)
	if t.Name == "" {
		t.Name = t.ID
	}
	d.tasks[t.ID] = &t
	d.order = append(d.order, t.ID)
	return nil
}

// Task returns the task with the given id.
func (d *DAG) Task(id string) (Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns all tasks in insertion order.
func (d *DAG) Tasks() []Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.tasks[id])
	}
	return out
}

// TaskIDs returns all task ids in insertion order.
func (d *DAG) TaskIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Validated reports whether Validate has succeeded.
func (d *DAG) Validated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.validated
}

// Predecessors returns the dependencies and branch sources of id.
// It is empty until the graph is validated.
func (d *DAG) Predecessors(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.predecessors[id]...)
}

// Dependents returns the direct successors of id, plain and branch-typed.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.successors[id]...)
}

// BranchSources returns the tasks whose branches name id as a target.
func (d *DAG) BranchSources(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.branchSources[id]...)
}

// TransitiveDependents returns every task reachable from id, in insertion order.
func (d *DAG) TransitiveDependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), d.successors[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, d.successors[next]...)
	}

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		return d.tasks[out[i]].Index < d.tasks[out[j]].Index
	})
	return out
}
