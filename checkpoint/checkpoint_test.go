package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/flowgraph/dag"
	"github.com/kbukum/flowgraph/database/databasetest"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/redis/redistest"
	"github.com/kbukum/flowgraph/txn"
)

func tasks(ids ...string) []dag.Task {
	out := make([]dag.Task, len(ids))
	for i, id := range ids {
		out[i] = dag.Task{ID: id, Index: i}
	}
	return out
}

func commitTasks(t *testing.T, m *txn.Manager, executionID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := m.Commit(context.Background(), m.Begin(executionID, id)); err != nil {
			t.Fatalf("commit %s: %v", id, err)
		}
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	db, err := NewDatabaseBackend(databasetest.New(t))
	if err != nil {
		t.Fatalf("NewDatabaseBackend failed: %v", err)
	}
	client, _ := redistest.New(t)
	return map[string]Backend{
		"memory":   NewMemoryBackend(),
		"database": db,
		"redis":    NewRedisBackend(client, "flowgraph:checkpoint", 0),
	}
}

func TestBackends_RoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if cp, err := backend.Get(ctx, "missing"); err != nil || cp != nil {
				t.Fatalf("expected nil for missing checkpoint, got %v %v", cp, err)
			}

			taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			in := &Checkpoint{
				ExecutionID:      "exec-1",
				DAGID:            "content",
				Sequence:         3,
				CompletedItemIDs: []string{"A", "B"},
				FailedItems:      []FailedItem{{ItemID: "C", ErrorSummary: "TASK_EXECUTION: boom"}},
				CursorIndex:      2,
				Results:          map[string]map[string]any{"A": {"quality_score": 92.0}},
				TakenAt:          taken,
			}
			if err := backend.Put(ctx, in); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			// Overwrite with a newer frontier.
			in.Sequence = 4
			in.CompletedItemIDs = append(in.CompletedItemIDs, "D")
			if err := backend.Put(ctx, in); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			out, err := backend.Get(ctx, "exec-1")
			if err != nil || out == nil {
				t.Fatalf("Get failed: %v %v", out, err)
			}
			if out.Sequence != 4 || len(out.CompletedItemIDs) != 3 || out.CursorIndex != 2 {
				t.Errorf("unexpected checkpoint %+v", out)
			}
			if out.FailedItems[0].ItemID != "C" || out.Results["A"]["quality_score"] != 92.0 {
				t.Errorf("unexpected payload %+v", out)
			}
			if !out.TakenAt.Equal(taken) {
				t.Errorf("expected TakenAt %v, got %v", taken, out.TakenAt)
			}

			if err := backend.Delete(ctx, "exec-1"); err != nil {
				t.Fatal(err)
			}
			if cp, _ := backend.Get(ctx, "exec-1"); cp != nil {
				t.Errorf("expected checkpoint deleted, got %+v", cp)
			}
		})
	}
}

func TestMemoryBackend_IsolatesCallerMutation(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	cp := &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"a"}}
	_ = b.Put(ctx, cp)
	cp.CompletedItemIDs[0] = "mutated"
	got, _ := b.Get(ctx, "e")
	if got.CompletedItemIDs[0] != "a" {
		t.Errorf("expected stored copy to be isolated, got %v", got.CompletedItemIDs)
	}
}

func TestStore_SequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	first := &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"a"}}
	if saved, err := s.Save(ctx, first); err != nil || !saved {
		t.Fatalf("expected save, got %v %v", saved, err)
	}
	if first.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", first.Sequence)
	}
	if first.TakenAt.IsZero() {
		t.Error("expected TakenAt to be stamped")
	}

	second := &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"a", "b"}}
	_, _ = s.Save(ctx, second)
	if second.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Sequence)
	}

	stale := &Checkpoint{ExecutionID: "e", Sequence: 1, CompletedItemIDs: []string{"a"}}
	saved, err := s.Save(ctx, stale)
	if err != nil || saved {
		t.Fatalf("expected stale save to be dropped, got %v %v", saved, err)
	}

	got, _ := s.Load(ctx, "e")
	if got.Sequence != 2 || len(got.CompletedItemIDs) != 2 {
		t.Errorf("expected newest frontier to survive, got %+v", got)
	}
}

func TestStore_SequenceSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	_, _ = NewStore(backend).Save(ctx, &Checkpoint{ExecutionID: "e", Sequence: 7})

	restarted := NewStore(backend)
	if last, err := restarted.LastSequence(ctx, "e"); err != nil || last != 7 {
		t.Fatalf("expected last sequence 7 from the backend, got %d (%v)", last, err)
	}
	cp := &Checkpoint{ExecutionID: "e"}
	if _, err := restarted.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if cp.Sequence != 8 {
		t.Errorf("expected sequence to continue at 8, got %d", cp.Sequence)
	}
}

func TestStore_ConcurrentSavesAreSerialised(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Save(ctx, &Checkpoint{ExecutionID: "e", CursorIndex: i})
			if err != nil {
				t.Errorf("save %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Load(ctx, "e")
	if got.Sequence != 50 {
		t.Errorf("expected 50 distinct sequences, last is %d", got.Sequence)
	}
}

func TestStore_RejectsFrontierAheadOfCommitLog(t *testing.T) {
	ctx := context.Background()
	manager := txn.NewManager(nil, nil)
	s := NewStore(nil, WithCommitLog(manager))

	commitTasks(t, manager, "e", "A")
	_, err := s.Save(ctx, &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"A", "B"}})
	if !errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
		t.Fatalf("expected CHECKPOINT_CORRUPTION, got %v", err)
	}
	if cp, _ := s.Load(ctx, "e"); cp != nil {
		t.Fatal("corrupt frontier must not be persisted")
	}

	commitTasks(t, manager, "e", "B")
	if saved, err := s.Save(ctx, &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"A", "B"}}); err != nil || !saved {
		t.Fatalf("expected consistent frontier to save, got %v %v", saved, err)
	}
}

func TestStore_LoadDetectsCorruptBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	_ = backend.Put(ctx, &Checkpoint{ExecutionID: "e", Sequence: 1, CompletedItemIDs: []string{"ghost"}})

	s := NewStore(backend, WithCommitLog(txn.NewManager(nil, nil)))
	if _, err := s.Load(ctx, "e"); !errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
		t.Fatalf("expected CHECKPOINT_CORRUPTION, got %v", err)
	}
}

func TestStore_ResumeWithoutCheckpoint(t *testing.T) {
	plan, err := NewStore(nil).Resume(context.Background(), "fresh", tasks("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if plan.Found || len(plan.Skip) != 0 {
		t.Errorf("expected empty plan, got %+v", plan)
	}
}

// A checkpoint after level 0 lets the resumed run skip A.
func TestStore_ResumeSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	manager := txn.NewManager(nil, nil)
	s := NewStore(nil, WithCommitLog(manager))
	commitTasks(t, manager, "exec-b", "A")

	_, err := s.Save(ctx, &Checkpoint{
		ExecutionID:      "exec-b",
		CompletedItemIDs: []string{"A"},
		CursorIndex:      1,
		Results:          map[string]map[string]any{"A": {"draft": "text"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	plan, err := s.Resume(ctx, "exec-b", tasks("A", "B", "C", "D"))
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !plan.Found || !plan.Skip["A"] || len(plan.Skip) != 1 {
		t.Errorf("expected only A skipped, got %+v", plan.Skip)
	}
	if plan.Results["A"]["draft"] != "text" {
		t.Errorf("expected A's result restored, got %v", plan.Results)
	}
	if plan.CursorIndex != 1 || plan.Sequence != 1 {
		t.Errorf("unexpected cursor/sequence %d/%d", plan.CursorIndex, plan.Sequence)
	}
}

func TestStore_ResumeRejectsForeignTasks(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	_, _ = s.Save(ctx, &Checkpoint{ExecutionID: "e", CompletedItemIDs: []string{"zzz"}})
	if _, err := s.Resume(ctx, "e", tasks("a")); !errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
		t.Fatalf("expected CHECKPOINT_CORRUPTION, got %v", err)
	}

	_, _ = s.Save(ctx, &Checkpoint{ExecutionID: "e2", CursorIndex: 5})
	if _, err := s.Resume(ctx, "e2", tasks("a")); !errors.HasCode(err, errors.ErrCodeCheckpointCorruption) {
		t.Fatalf("expected CHECKPOINT_CORRUPTION for cursor, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	_, _ = s.Save(ctx, &Checkpoint{ExecutionID: "e"})
	if err := s.Delete(ctx, "e"); err != nil {
		t.Fatal(err)
	}
	if cp, _ := s.Load(ctx, "e"); cp != nil {
		t.Fatal("expected checkpoint gone")
	}
	cp := &Checkpoint{ExecutionID: "e"}
	_, _ = s.Save(ctx, cp)
	if cp.Sequence != 1 {
		t.Errorf("expected sequence reset after delete, got %d", cp.Sequence)
	}
}

func TestStore_SaveRequiresExecutionID(t *testing.T) {
	if _, err := NewStore(nil).Save(context.Background(), &Checkpoint{}); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

// 100 items, interval 10, killed after 45 completions.
func TestPolicy_IntervalCheckpointsOfLongRun(t *testing.T) {
	ctx := context.Background()
	manager := txn.NewManager(nil, nil)
	s := NewStore(nil, WithCommitLog(manager))
	p := Policy{Interval: 10}

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%03d", i+1)
	}

	var completed []string
	for i, id := range ids[:45] {
		commitTasks(t, manager, "exec-e", id)
		completed = append(completed, id)
		if _, due := p.Due(len(completed), time.Time{}, time.Now()); due {
			_, err := s.Save(ctx, &Checkpoint{
				ExecutionID:      "exec-e",
				CompletedItemIDs: append([]string(nil), completed...),
				CursorIndex:      i + 1,
			})
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	plan, err := s.Resume(ctx, "exec-e", tasks(ids...))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Skip) != 40 {
		t.Fatalf("expected 40 skipped items, got %d", len(plan.Skip))
	}
	for i, id := range ids {
		if want := i < 40; plan.Skip[id] != want {
			t.Errorf("%s: skip=%v, want %v", id, plan.Skip[id], want)
		}
	}
	if plan.CursorIndex != 40 {
		t.Errorf("expected cursor 40, got %d", plan.CursorIndex)
	}
}

func TestPolicy_Due(t *testing.T) {
	now := time.Now()
	p := Policy{Interval: 10, Every: time.Minute}
	tests := []struct {
		name     string
		resolved int
		lastAt   time.Time
		want     Trigger
		due      bool
	}{
		{"nothing resolved", 0, now, "", false},
		{"between intervals", 7, now, "", false},
		{"interval reached", 20, now, TriggerInterval, true},
		{"time elapsed", 3, now.Add(-2 * time.Minute), TriggerTime, true},
		{"no previous snapshot", 3, time.Time{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, due := p.Due(tt.resolved, tt.lastAt, now)
			if got != tt.want || due != tt.due {
				t.Errorf("Due() = %q %v, want %q %v", got, due, tt.want, tt.due)
			}
		})
	}
	if DefaultPolicy().Interval != DefaultInterval {
		t.Error("unexpected default policy")
	}
}
