package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/logger"
)

// Option configures a Store.
type Option func(*Store)

// WithCommitLog enables the consistency check against a commit log.
func WithCommitLog(log CommitLog) Option {
	return func(s *Store) { s.commitLog = log }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces the clock used for TakenAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the single-writer front of a Backend.
type Store struct {
	backend   Backend
	commitLog CommitLog
	log       *logger.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	seq   map[string]int64
}

// NewStore creates a Store. A nil backend uses a MemoryBackend.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
		seq:     make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.WithComponent("checkpoint")
	return s
}

func (s *Store) lockFor(executionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[executionID] = l
	}
	return l
}

// lastSequence returns the newest sequence seen for the execution, asking
// the backend the first time. Callers hold the execution lock.
func (s *Store) lastSequence(ctx context.Context, executionID string) (int64, error) {
	s.mu.Lock()
	last, ok := s.seq[executionID]
	s.mu.Unlock()
	if ok {
		return last, nil
	}
	cp, err := s.backend.Get(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if cp != nil {
		last = cp.Sequence
	}
	s.setSequence(executionID, last)
	return last, nil
}

// LastSequence returns the sequence of the newest saved checkpoint, 0 when
// there is none. Writers numbering their own checkpoints start above it.
func (s *Store) LastSequence(ctx context.Context, executionID string) (int64, error) {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()
	return s.lastSequence(ctx, executionID)
}

func (s *Store) setSequence(executionID string, seq int64) {
	s.mu.Lock()
	s.seq[executionID] = seq
	s.mu.Unlock()
}

// Save persists cp. A zero Sequence is assigned the next number; a sequence
// at or below the last saved one is dropped and Save reports false.
// Frontiers that mark an uncommitted task completed fail with
// CHECKPOINT_CORRUPTION and are not written.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) (bool, error) {
	if cp == nil || cp.ExecutionID == "" {
		return false, errors.InvalidInput("execution_id", "checkpoint needs an execution id")
	}
	lock := s.lockFor(cp.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	last, err := s.lastSequence(ctx, cp.ExecutionID)
	if err != nil {
		return false, err
	}
	if cp.Sequence == 0 {
		cp.Sequence = last + 1
	}
	if cp.Sequence <= last {
		s.log.Debug("Stale checkpoint dropped", logger.Fields(
			logger.FieldExecutionID, cp.ExecutionID,
			"sequence", cp.Sequence,
			"last_sequence", last,
		))
		return false, nil
	}

	if err := s.verify(ctx, cp); err != nil {
		return false, err
	}
	if cp.TakenAt.IsZero() {
		cp.TakenAt = s.now()
	}
	if err := s.backend.Put(ctx, cp); err != nil {
		return false, err
	}
	s.setSequence(cp.ExecutionID, cp.Sequence)

	s.log.Debug("Checkpoint saved", logger.Fields(
		logger.FieldExecutionID, cp.ExecutionID,
		"sequence", cp.Sequence,
		"completed", len(cp.CompletedItemIDs),
		"failed", len(cp.FailedItems),
		"cursor_index", cp.CursorIndex,
	))
	return true, nil
}

// Load returns the latest checkpoint, or nil when there is none.
func (s *Store) Load(ctx context.Context, executionID string) (*Checkpoint, error) {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := s.backend.Get(ctx, executionID)
	if err != nil || cp == nil {
		return nil, err
	}
	if err := s.verify(ctx, cp); err != nil {
		return nil, err
	}
	s.setSequence(executionID, cp.Sequence)
	return cp, nil
}

// Delete discards the checkpoint, typically after a successful run.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.Delete(ctx, executionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.seq, executionID)
	s.mu.Unlock()
	return nil
}

func (s *Store) verify(ctx context.Context, cp *Checkpoint) error {
	if s.commitLog == nil {
		return nil
	}
	for _, id := range cp.CompletedItemIDs {
		ok, err := s.commitLog.Committed(ctx, cp.ExecutionID, id)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Error("Checkpoint frontier ahead of commit log", logger.Fields(
				logger.FieldExecutionID, cp.ExecutionID,
				logger.FieldTaskID, id,
			))
			return errors.CheckpointCorruption(cp.ExecutionID,
				fmt.Sprintf("task %q is marked completed but was never committed", id))
		}
	}
	return nil
}

// ResumePlan says how to continue an execution from its checkpoint.
type ResumePlan struct {
	ExecutionID string
	// Found is false when no checkpoint existed; the plan then skips nothing.
	Found bool
	// Skip holds every task completed as of the checkpoint.
	Skip        map[string]bool
	Results     map[string]map[string]any
	CursorIndex int
	Failed      []FailedItem
	Sequence    int64
}

// Resume loads the checkpoint and checks it against the graph's tasks.
func (s *Store) Resume(ctx context.Context, executionID string, tasks []dag.Task) (*ResumePlan, error) {
	plan := &ResumePlan{
		ExecutionID: executionID,
		Skip:        make(map[string]bool),
		Results:     make(map[string]map[string]any),
	}
	cp, err := s.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return plan, nil
	}

	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	for _, id := range cp.CompletedItemIDs {
		if !known[id] {
			return nil, errors.CheckpointCorruption(executionID,
				fmt.Sprintf("completed task %q is not part of the graph", id))
		}
		plan.Skip[id] = true
		if r, ok := cp.Results[id]; ok {
			plan.Results[id] = r
		}
	}
	if cp.CursorIndex < 0 || cp.CursorIndex > len(tasks) {
		return nil, errors.CheckpointCorruption(executionID,
			fmt.Sprintf("cursor index %d is outside the graph", cp.CursorIndex))
	}

	plan.Found = true
	plan.CursorIndex = cp.CursorIndex
	plan.Failed = append(plan.Failed, cp.FailedItems...)
	plan.Sequence = cp.Sequence

	s.log.Info("Resuming from checkpoint", logger.Fields(
		logger.FieldExecutionID, executionID,
		"sequence", cp.Sequence,
		"skipped", len(plan.Skip),
		"cursor_index", cp.CursorIndex,
	))
	return plan, nil
}
