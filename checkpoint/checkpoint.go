package checkpoint

import (
	"context"
	"time"
)

// FailedItem is a task that failed as of the checkpoint.
type FailedItem struct {
	ItemID       string `json:"item_id"`
	ErrorSummary string `json:"error_summary"`
}

// Checkpoint is a durable snapshot of an execution frontier.
type Checkpoint struct {
	ExecutionID string `json:"execution_id"`
	DAGID       string `json:"dag_id,omitempty"`
	// Sequence increases with every save of the same execution.
	Sequence         int64        `json:"sequence"`
	CompletedItemIDs []string     `json:"completed_item_ids"`
	FailedItems      []FailedItem `json:"failed_items,omitempty"`
	// CursorIndex is the insertion index of the first unresolved task.
	CursorIndex int                       `json:"cursor_index"`
	Results     map[string]map[string]any `json:"results,omitempty"`
	TakenAt     time.Time                 `json:"taken_at"`
}

// Clone returns a deep enough copy for backends that keep values in memory.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.CompletedItemIDs = append([]string(nil), c.CompletedItemIDs...)
	out.FailedItems = append([]FailedItem(nil), c.FailedItems...)
	if c.Results != nil {
		out.Results = make(map[string]map[string]any, len(c.Results))
		for k, v := range c.Results {
			out.Results[k] = v
		}
	}
	return &out
}

// Backend persists one checkpoint per execution.
type Backend interface {
	Put(ctx context.Context, cp *Checkpoint) error
	// Get returns nil, nil when the execution has no checkpoint.
	Get(ctx context.Context, executionID string) (*Checkpoint, error)
	Delete(ctx context.Context, executionID string) error
}

// CommitLog reports whether a task's unit of work has been committed.
type CommitLog interface {
	Committed(ctx context.Context, executionID, taskID string) (bool, error)
}
