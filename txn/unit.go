package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbukum/flowgraph/errors"
)

type unitState int

const (
	unitActive unitState = iota
	unitCommitted
	unitRolledBack
)

func (s unitState) String() string {
	switch s {
	case unitCommitted:
		return "committed"
	case unitRolledBack:
		return "rolled back"
	default:
		return "active"
	}
}

type staged struct {
	value   any
	deleted bool
}

type snapshot struct {
	name   string
	writes map[string]staged
	order  []string
}

// Savepoint marks a position inside a unit that RollbackTo can return to.
type Savepoint struct {
	Name   string
	unitID string
	depth  int
}

// Unit is one task's isolated set of staged writes.
type Unit struct {
	ID          string
	ExecutionID string
	TaskID      string

	store Store

	mu         sync.Mutex
	state      unitState
	writes     map[string]staged
	order      []string
	savepoints []snapshot
}

func (u *Unit) checkActive() error {
	if u.state != unitActive {
		return errors.Conflict(fmt.Sprintf("unit %s for task %q is already %s", u.ID, u.TaskID, u.state))
	}
	return nil
}

func (u *Unit) stage(key string, s staged) error {
	if key == "" {
		return errors.InvalidInput("key", "key is required")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkActive(); err != nil {
		return err
	}
	if _, seen := u.writes[key]; !seen {
		u.order = append(u.order, key)
	}
	u.writes[key] = s
	return nil
}

// Put stages a write.
func (u *Unit) Put(key string, value any) error {
	return u.stage(key, staged{value: value})
}

// Delete stages a deletion.
func (u *Unit) Delete(key string) error {
	return u.stage(key, staged{deleted: true})
}

// Get reads the unit's own staged value first, then committed state.
func (u *Unit) Get(ctx context.Context, key string) (any, bool, error) {
	u.mu.Lock()
	if err := u.checkActive(); err != nil {
		u.mu.Unlock()
		return nil, false, err
	}
	s, ok := u.writes[key]
	u.mu.Unlock()
	if ok {
		if s.deleted {
			return nil, false, nil
		}
		return s.value, true, nil
	}
	return u.store.Get(ctx, key)
}

// Savepoint records the current staged state under name.
func (u *Unit) Savepoint(name string) (Savepoint, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkActive(); err != nil {
		return Savepoint{}, err
	}
	snap := snapshot{
		name:   name,
		writes: make(map[string]staged, len(u.writes)),
		order:  append([]string(nil), u.order...),
	}
	for k, v := range u.writes {
		snap.writes[k] = v
	}
	u.savepoints = append(u.savepoints, snap)
	return Savepoint{Name: name, unitID: u.ID, depth: len(u.savepoints) - 1}, nil
}

// RollbackTo discards writes staged after sp. The savepoint itself stays
// usable; savepoints taken after it are released.
func (u *Unit) RollbackTo(sp Savepoint) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkActive(); err != nil {
		return err
	}
	if sp.unitID != u.ID || sp.depth < 0 || sp.depth >= len(u.savepoints) {
		return errors.NotFound("savepoint", sp.Name)
	}
	snap := u.savepoints[sp.depth]
	u.writes = make(map[string]staged, len(snap.writes))
	for k, v := range snap.writes {
		u.writes[k] = v
	}
	u.order = append([]string(nil), snap.order...)
	u.savepoints = u.savepoints[:sp.depth+1]
	return nil
}

// Writes returns the staged writes in first-write order.
func (u *Unit) Writes() []Write {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingWrites()
}

func (u *Unit) pendingWrites() []Write {
	out := make([]Write, 0, len(u.order))
	for _, k := range u.order {
		s := u.writes[k]
		out = append(out, Write{Key: k, Value: s.value, Delete: s.deleted})
	}
	return out
}

// Active reports whether the unit can still be used.
func (u *Unit) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == unitActive
}
