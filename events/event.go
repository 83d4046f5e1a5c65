package events

import (
	"context"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeTaskState      Type = "task_state"
	TypeExecutionState Type = "execution_state"
	TypeMilestone      Type = "milestone"
	TypeCheckpoint     Type = "checkpoint"
)

// Event is one observable transition.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	DAGID       string    `json:"dag_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Milestone   int       `json:"milestone,omitempty"`
	Percent     float64   `json:"percent,omitempty"`
	Sequence    int64     `json:"sequence,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, e Event) error

// Publish calls f.
func (f FuncSink) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
