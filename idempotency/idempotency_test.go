package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/redis/redistest"
)

func TestKeyFor_Deterministic(t *testing.T) {
	a := KeyFor("exec-1", "item-1", "render")
	b := KeyFor("exec-1", "item-1", "render")
	if a != b {
		t.Fatal("expected identical keys")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
	if a == KeyFor("exec-1", "item-1", "publish") {
		t.Error("expected operation to change the key")
	}
	// The separator keeps part boundaries significant.
	if KeyFor("ab", "c", "op") == KeyFor("a", "bc", "op") {
		t.Error("expected part boundaries to change the key")
	}
}

func TestGuard_ReserveStoreThenCached(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(nil)
	key := KeyFor("e", "i", "op")

	out, err := g.CheckAndReserve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if out.Cached || out.Reservation == nil {
		t.Fatalf("expected reservation, got %+v", out)
	}
	if err := g.Store(ctx, out.Reservation, map[string]any{"n": 1}, 0); err != nil {
		t.Fatal(err)
	}

	again, err := g.CheckAndReserve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || again.Result["n"] != 1 {
		t.Fatalf("expected cached result, got %+v", again)
	}
	if res, ok, _ := g.Lookup(ctx, key); !ok || res["n"] != 1 {
		t.Errorf("expected Lookup hit, got %v %v", res, ok)
	}
}

func TestGuard_ReleaseAllowsReexecution(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(nil)
	key := KeyFor("e", "i", "op")

	first, _ := g.CheckAndReserve(ctx, key)
	if err := g.Release(ctx, first.Reservation); err != nil {
		t.Fatal(err)
	}
	second, err := g.CheckAndReserve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if second.Reservation == nil || second.Reservation.Token == first.Reservation.Token {
		t.Fatalf("expected a fresh reservation, got %+v", second)
	}
}

// The second caller receives the first caller's result.
func TestGuard_ConcurrentCallerGetsEventualResult(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(nil, WithPollInterval(time.Second))
	key := KeyFor("exec", "K", "generate")

	first, err := g.CheckAndReserve(ctx, key)
	if err != nil || first.Reservation == nil {
		t.Fatalf("expected reservation, got %+v %v", first, err)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := g.CheckAndReserve(ctx, key)
		if err != nil {
			t.Errorf("second caller failed: %v", err)
		}
		done <- out
	}()

	select {
	case <-done:
		t.Fatal("second caller must block while the key is reserved")
	case <-time.After(50 * time.Millisecond):
	}

	if err := g.Store(ctx, first.Reservation, map[string]any{"text": "caller-1"}, 0); err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-done:
		if !out.Cached || out.Result["text"] != "caller-1" {
			t.Fatalf("expected caller-1 result, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not wake up")
	}
}

func TestGuard_ExactlyOneSideEffectUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(nil, WithPollInterval(5*time.Millisecond))
	key := KeyFor("exec", "item", "charge")

	var sideEffects atomic.Int32
	var wg sync.WaitGroup
	results := make([]any, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := g.CheckAndReserve(ctx, key)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			if out.Cached {
				results[i] = out.Result["charge"]
				return
			}
			sideEffects.Add(1)
			time.Sleep(10 * time.Millisecond)
			_ = g.Store(ctx, out.Reservation, map[string]any{"charge": "once"}, 0)
			results[i] = "once"
		}(i)
	}
	wg.Wait()

	if n := sideEffects.Load(); n != 1 {
		t.Fatalf("expected exactly one side effect, got %d", n)
	}
	for i, r := range results {
		if r != "once" {
			t.Errorf("caller %d got %v", i, r)
		}
	}
}

func TestGuard_WaiterRespectsContext(t *testing.T) {
	g := NewGuard(nil)
	key := KeyFor("e", "i", "op")
	if _, err := g.CheckAndReserve(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.CheckAndReserve(ctx, key)
	if !errors.HasCode(err, errors.ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestGuard_StoreNilReservation(t *testing.T) {
	g := NewGuard(nil)
	if err := g.Store(context.Background(), nil, nil, 0); !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if err := g.Release(context.Background(), nil); err != nil {
		t.Fatalf("releasing nil should be a no-op, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	g := NewGuard(store, WithTTL(time.Hour))
	key := KeyFor("e", "i", "op")

	out, _ := g.CheckAndReserve(ctx, key)
	if err := g.Store(ctx, out.Reservation, map[string]any{"v": 1}, 0); err != nil {
		t.Fatal(err)
	}

	now = now.Add(59 * time.Minute)
	if hit, _ := g.CheckAndReserve(ctx, key); !hit.Cached {
		t.Fatal("expected cached result within TTL")
	}

	now = now.Add(2 * time.Minute)
	expired, err := g.CheckAndReserve(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if expired.Cached || expired.Reservation == nil {
		t.Fatalf("expected re-execution after TTL, got %+v", expired)
	}
}

func TestMemoryStore_ConflictingReservations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := KeyFor("e", "i", "op")
	if _, ok, _ := store.Reserve(ctx, key, "t1", time.Minute); !ok {
		t.Fatal("expected first reservation")
	}
	err := store.Complete(ctx, key, "t2", nil, time.Minute)
	if !errors.HasCode(err, errors.ErrCodeIdempotencyConflict) {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %v", err)
	}
	// Releasing with the wrong token leaves the holder in place.
	_ = store.Release(ctx, key, "t2")
	if rec, _ := store.Get(ctx, key); rec == nil || rec.Token != "t1" {
		t.Fatalf("expected t1 to keep the reservation, got %+v", rec)
	}
}

func TestMemoryStore_LeaseExpiryFreesKey(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	key := KeyFor("e", "i", "op")
	_, _, _ = store.Reserve(ctx, key, "crashed", time.Second)
	now = now.Add(2 * time.Second)
	if _, ok, _ := store.Reserve(ctx, key, "next", time.Second); !ok {
		t.Fatal("expected an expired lease to free the key")
	}
}

func TestRedisStore_GuardRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := redistest.New(t)
	g := NewGuard(NewRedisStore(client, "flowgraph:idem"), WithPollInterval(5*time.Millisecond))
	key := KeyFor("exec", "item", "op")

	out, err := g.CheckAndReserve(ctx, key)
	if err != nil || out.Reservation == nil {
		t.Fatalf("expected reservation, got %+v %v", out, err)
	}

	done := make(chan Outcome, 1)
	go func() {
		o, err := g.CheckAndReserve(ctx, key)
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
		done <- o
	}()

	if err := g.Store(ctx, out.Reservation, map[string]any{"score": 92}, time.Hour); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	select {
	case o := <-done:
		// JSON decoding turns numbers into float64.
		if !o.Cached || o.Result["score"] != float64(92) {
			t.Fatalf("expected cached score, got %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not receive result")
	}
}

func TestRedisStore_ConflictAndRelease(t *testing.T) {
	ctx := context.Background()
	client, _ := redistest.New(t)
	store := NewRedisStore(client, "idem")
	key := KeyFor("e", "i", "op")

	if _, ok, err := store.Reserve(ctx, key, "t1", time.Minute); err != nil || !ok {
		t.Fatalf("expected reservation, got %v %v", ok, err)
	}
	rec, ok, err := store.Reserve(ctx, key, "t2", time.Minute)
	if err != nil || ok || rec.Token != "t1" {
		t.Fatalf("expected existing t1 record, got %+v %v %v", rec, ok, err)
	}
	if err := store.Complete(ctx, key, "t2", nil, time.Minute); !errors.HasCode(err, errors.ErrCodeIdempotencyConflict) {
		t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %v", err)
	}

	_ = store.Release(ctx, key, "t2")
	if got, _ := store.Get(ctx, key); got == nil {
		t.Fatal("wrong-token release must not drop the reservation")
	}
	if err := store.Release(ctx, key, "t1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get(ctx, key); got != nil {
		t.Fatalf("expected key released, got %+v", got)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	client, mr := redistest.New(t)
	store := NewRedisStore(client, "idem")
	key := KeyFor("e", "i", "op")

	_, _, _ = store.Reserve(ctx, key, "t1", time.Minute)
	if err := store.Complete(ctx, key, "t1", map[string]any{"ok": true}, time.Hour); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)
	if got, _ := store.Get(ctx, key); got != nil {
		t.Fatalf("expected record expired, got %+v", got)
	}
}

func TestRedisStore_NewRunTakesOverStaleReservation(t *testing.T) {
	ctx := context.Background()
	client, _ := redistest.New(t)
	store := NewRedisStore(client, "flowgraph:idem")
	key := KeyFor("exec-7", "item-042", "transform")

	// A run that crashed mid-task leaves its reservation behind.
	if _, ok, err := store.Reserve(ctx, key, "run-dead/3c1e", time.Hour); err != nil || !ok {
		t.Fatalf("expected reservation, got %v %v", ok, err)
	}

	g := NewGuard(store, WithLease(time.Hour), WithPollInterval(5*time.Millisecond))
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, err := g.CheckAndReserveAs(waitCtx, key, "run-live")
	if err != nil {
		t.Fatalf("expected takeover, got %v", err)
	}
	if out.Reservation == nil || OwnerOf(out.Reservation.Token) != "run-live" {
		t.Fatalf("expected a reservation owned by run-live, got %+v", out)
	}
	rec, err := store.Get(ctx, key)
	if err != nil || rec == nil || rec.Token != out.Reservation.Token {
		t.Fatalf("expected the store to hold the new reservation, got %+v %v", rec, err)
	}
}

func TestGuard_SameOwnerStillWaits(t *testing.T) {
	g := NewGuard(nil, WithPollInterval(5*time.Millisecond))
	key := KeyFor("e", "i", "op")
	if _, err := g.CheckAndReserveAs(context.Background(), key, "run-1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.CheckAndReserveAs(ctx, key, "run-1"); !errors.HasCode(err, errors.ErrCodeCancelled) {
		t.Fatalf("expected the same run to wait, got %v", err)
	}
	// Unowned reservations are never taken over.
	unowned := KeyFor("e", "j", "op")
	if _, err := g.CheckAndReserve(context.Background(), unowned); err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	if _, err := g.CheckAndReserveAs(ctx2, unowned, "run-2"); !errors.HasCode(err, errors.ErrCodeCancelled) {
		t.Fatalf("expected to wait on an unowned reservation, got %v", err)
	}
}

func TestOwnerOf(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"run-1/abc", "run-1"},
		{"a/b/c", "a/b"},
		{"3c1e-plain", ""},
	}
	for _, tt := range tests {
		if got := OwnerOf(tt.token); got != tt.want {
			t.Errorf("OwnerOf(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}
