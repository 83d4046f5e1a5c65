package dag

import (
	"time"

	"github.com/kbukum/flowgraph/router"
)

// Status is the lifecycle state of a task within one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the task has resolved.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Branch is a guarded group of successors declared on an upstream task.
type Branch = router.Branch

// Task is one node of the graph.
type Task struct {
	ID           string
	Name         string
	Dependencies []string
	// Branches route this task's branch-typed successors after it succeeds.
	Branches []Branch
	// HandlerRef names the handler that executes the task.
	HandlerRef string
	Params     map[string]any
	// Critical tasks fail the whole execution when they fail.
	Critical bool
	// Timeout overrides the execution-wide task deadline when non-zero.
	Timeout time.Duration
	// Index is the insertion position, assigned by AddTask.
	Index int
}

// BranchTargets returns every task named by the task's branches, deduplicated.
func (t *Task) BranchTargets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range t.Branches {
		for _, target := range b.Targets {
			if !seen[target] {
				seen[target] = true
				out = append(out, target)
			}
		}
	}
	return out
}
