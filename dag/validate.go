package dag

import (
	"github.com/kbukum/flowgraph/errors"
)

// Validate checks references and acyclicity. On success the graph is frozen
// and its edge indexes are available. Calling it again is a no-op.
func (d *DAG) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.validated {
		return nil
	}
	if len(d.order) == 0 {
		return errors.InvalidInput("tasks", "dag "+d.ID+" has no tasks")
	}

	preds := make(map[string][]string, len(d.order))
	succs := make(map[string][]string, len(d.order))
	sources := make(map[string][]string)
	addEdge := func(from, to string) {
		for _, existing := range succs[from] {
			if existing == to {
				return
			}
		}
		succs[from] = append(succs[from], to)
		preds[to] = append(preds[to], from)
	}

	for _, id := range d.order {
		t := d.tasks[id]
		for _, dep := range t.Dependencies {
			if dep == id {
				return errors.CyclicGraph([]string{id, id})
			}
			if _, ok := d.tasks[dep]; !ok {
				return errors.UnknownDependency(id, dep)
			}
			addEdge(dep, id)
		}
	}
	for _, id := range d.order {
		t := d.tasks[id]
		for i, b := range t.Branches {
			if b.Condition == nil && i != len(t.Branches)-1 {
				return errors.InvalidInput("branches", "task "+id+": the default branch must be declared last")
			}
		}
		for _, target := range t.BranchTargets() {
			if target == id {
				return errors.CyclicGraph([]string{id, id})
			}
			if _, ok := d.tasks[target]; !ok {
				return errors.UnknownDependency(id, target)
			}
			addEdge(id, target)
			sources[target] = append(sources[target], id)
		}
	}

	if cycle := findCycle(d.order, succs); cycle != nil {
		return errors.CyclicGraph(cycle)
	}

	d.predecessors = preds
	d.successors = succs
	d.branchSources = sources
	d.validated = true
	return nil
}

// findCycle runs a three-colour DFS in insertion order and returns the first
// cycle found as a closed path, e.g. [a b c a].
func findCycle(order []string, succs map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(order))
	var path []string
	var cycle []string

	var visit func(u string) bool
	visit = func(u string) bool {
		color[u] = gray
		path = append(path, u)
		for _, v := range succs[u] {
			switch color[v] {
			case white:
				if visit(v) {
					return true
				}
			case gray:
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == v {
						cycle = append(append([]string(nil), path[i:]...), v)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return false
	}

	for _, id := range order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
