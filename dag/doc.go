// Package dag models a workflow as a directed acyclic graph of tasks.
//
// Edges come from two places: a task's Dependencies (plain edges) and the
// Branches declared on a task (branch edges to each target). Validate rejects
// unknown references, self-loops and cycles, naming the offending cycle.
// Levels groups a validated graph into scheduling levels: a task's level is
// one more than the highest level of its predecessors, and tasks within a
// level keep insertion order.
//
//	d := dag.New("content", "Content pipeline")
//	_ = d.AddTask(dag.Task{ID: "a", HandlerRef: "noop"})
//	_ = d.AddTask(dag.Task{ID: "b", HandlerRef: "noop", Dependencies: []string{"a"}})
//	if err := d.Validate(); err != nil { ... }
//	levels, _ := dag.Levels(d) // [[a] [b]]
//
// Definitions can also be loaded from YAML with LoadDefinition.
package dag
