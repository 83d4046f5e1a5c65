package events

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/flowgraph/logger"
)

// Bus fans events out to sinks in registration order.
type Bus struct {
	log *logger.Logger
	now func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a Bus with the given sinks.
func NewBus(log *logger.Logger, sinks ...Sink) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{
		log:   log.WithComponent("events"),
		now:   time.Now,
		sinks: append([]Sink(nil), sinks...),
	}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers e to every sink. A nil Bus drops the event.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, e); err != nil {
			b.log.Warn("event sink failed", map[string]interface{}{
				"type":                  string(e.Type),
				logger.FieldExecutionID: e.ExecutionID,
				logger.FieldError:       err.Error(),
			})
		}
	}
}

// LogSink writes events to a logger at debug level, failures at warn.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("events.log")}
}

// Publish logs e.
func (s *LogSink) Publish(_ context.Context, e Event) error {
	fields := map[string]interface{}{
		"type":                  string(e.Type),
		logger.FieldExecutionID: e.ExecutionID,
	}
	if e.TaskID != "" {
		fields[logger.FieldTaskID] = e.TaskID
	}
	if e.From != "" || e.To != "" {
		fields["from"] = e.From
		fields["to"] = e.To
	}
	if e.Attempt > 0 {
		fields[logger.FieldAttempt] = e.Attempt
	}
	switch e.Type {
	case TypeMilestone:
		fields["milestone"] = e.Milestone
		s.log.Info("milestone reached", fields)
		return nil
	case TypeCheckpoint:
		fields["sequence"] = e.Sequence
	}
	if e.Error != "" {
		fields[logger.FieldError] = e.Error
		s.log.Warn("state transition", fields)
		return nil
	}
	s.log.Debug("state transition", fields)
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Publish stores e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// TaskTransitions returns the target states task went through, in order.
func (r *Recorder) TaskTransitions(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == TypeTaskState && e.TaskID == taskID {
			out = append(out, e.To)
		}
	}
	return out
}
