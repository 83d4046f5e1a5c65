package txn

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kbukum/flowgraph/logger"
)

const commitMarkerPrefix = "_flowgraph/commit/"

// CommitMarkerKey is the store key recording that a task's unit committed.
func CommitMarkerKey(executionID, taskID string) string {
	return commitMarkerPrefix + executionID + "/" + taskID
}

// Manager begins, commits and rolls back units against a Store.
type Manager struct {
	store Store
	log   *logger.Logger

	mu        sync.RWMutex
	committed map[string]map[string]bool
}

// NewManager creates a Manager. A nil store uses a MemoryStore.
func NewManager(store Store, log *logger.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:     store,
		log:       log.WithComponent("txn"),
		committed: make(map[string]map[string]bool),
	}
}

// Store returns the committed-state store.
func (m *Manager) Store() Store { return m.store }

// Begin opens a unit for a task of an execution.
func (m *Manager) Begin(executionID, taskID string) *Unit {
	return &Unit{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		TaskID:      taskID,
		store:       m.store,
		writes:      make(map[string]staged),
	}
}

// Commit applies the unit's writes and its commit marker atomically.
// On a store error the unit stays active so the caller can roll it back.
func (m *Manager) Commit(ctx context.Context, u *Unit) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkActive(); err != nil {
		return err
	}

	writes := u.pendingWrites()
	writes = append(writes, Write{Key: CommitMarkerKey(u.ExecutionID, u.TaskID), Value: u.ID})
	if err := m.store.Apply(ctx, writes); err != nil {
		m.log.Warn("Unit commit failed", logger.Fields(
			logger.FieldExecutionID, u.ExecutionID,
			logger.FieldTaskID, u.TaskID,
			logger.FieldError, err.Error(),
		))
		return err
	}
	u.state = unitCommitted

	m.mu.Lock()
	tasks, ok := m.committed[u.ExecutionID]
	if !ok {
		tasks = make(map[string]bool)
		m.committed[u.ExecutionID] = tasks
	}
	tasks[u.TaskID] = true
	m.mu.Unlock()

	m.log.Debug("Unit committed", logger.Fields(
		logger.FieldExecutionID, u.ExecutionID,
		logger.FieldTaskID, u.TaskID,
		"writes", len(writes)-1,
	))
	return nil
}

// Rollback discards the unit's staged writes.
func (m *Manager) Rollback(u *Unit) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkActive(); err != nil {
		return err
	}
	u.state = unitRolledBack
	u.writes = nil
	u.order = nil
	u.savepoints = nil
	return nil
}

// Committed reports whether a unit for the task has committed. It consults
// the in-process log first and falls back to the store's commit marker.
func (m *Manager) Committed(ctx context.Context, executionID, taskID string) (bool, error) {
	m.mu.RLock()
	ok := m.committed[executionID][taskID]
	m.mu.RUnlock()
	if ok {
		return true, nil
	}
	_, found, err := m.store.Get(ctx, CommitMarkerKey(executionID, taskID))
	if err != nil {
		return false, err
	}
	return found, nil
}
