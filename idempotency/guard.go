package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/logger"
)

const (
	// DefaultTTL is how long a stored result stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long a reservation survives a crashed holder.
	DefaultLease = 10 * time.Minute
	// DefaultPollInterval is how often a waiter re-checks a shared store.
	DefaultPollInterval = 50 * time.Millisecond
)

// Reservation is the right to execute the operation behind a key.
type Reservation struct {
	Key   Key
	Token string
}

// Outcome is the result of CheckAndReserve: either a cached result or a
// reservation.
type Outcome struct {
	Cached      bool
	Result      map[string]any
	Reservation *Reservation
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets the default result TTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithLease sets the reservation lease.
func WithLease(lease time.Duration) Option {
	return func(g *Guard) { g.lease = lease }
}

// WithPollInterval sets how often waiters re-check the store.
func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) { g.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(g *Guard) { g.log = log }
}

// Guard coordinates reservations over a Store.
type Guard struct {
	store        Store
	ttl          time.Duration
	lease        time.Duration
	pollInterval time.Duration
	log          *logger.Logger

	mu      sync.Mutex
	waiters map[Key]chan struct{}
}

// NewGuard creates a Guard. A nil store uses a MemoryStore.
func NewGuard(store Store, opts ...Option) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{
		store:        store,
		ttl:          DefaultTTL,
		lease:        DefaultLease,
		pollInterval: DefaultPollInterval,
		waiters:      make(map[Key]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Nop()
	}
	g.log = g.log.WithComponent("idempotency")
	return g
}

// TTL returns the default result TTL.
func (g *Guard) TTL() time.Duration { return g.ttl }

// CheckAndReserve returns the cached result for key or reserves it. While
// another holder has the key it blocks until that holder stores or releases,
// or ctx ends.
func (g *Guard) CheckAndReserve(ctx context.Context, key Key) (Outcome, error) {
	return g.checkAndReserve(ctx, key, "")
}

// CheckAndReserveAs is CheckAndReserve for a run identified by owner. A live
// reservation made by a different owner is released and taken over rather
// than waited on: keys are scoped to one execution, and an execution has one
// live run, so that holder is a run that died before finishing.
func (g *Guard) CheckAndReserveAs(ctx context.Context, key Key, owner string) (Outcome, error) {
	return g.checkAndReserve(ctx, key, owner)
}

func (g *Guard) checkAndReserve(ctx context.Context, key Key, owner string) (Outcome, error) {
	token := newToken(owner)
	for {
		rec, reserved, err := g.store.Reserve(ctx, key, token, g.lease)
		if err != nil {
			return Outcome{}, err
		}
		if reserved {
			return Outcome{Reservation: &Reservation{Key: key, Token: token}}, nil
		}
		if rec.State == StateCompleted {
			g.log.Debug("Idempotency hit", logger.Fields(logger.FieldKey, string(key)))
			return Outcome{Cached: true, Result: rec.Result}, nil
		}
		if rec.Token == token {
			return Outcome{}, errors.IdempotencyConflict(string(key))
		}
		if prev := OwnerOf(rec.Token); owner != "" && prev != "" && prev != owner && rec.State == StateReserved {
			g.log.Warn("Taking over stale reservation", logger.Fields(
				logger.FieldKey, string(key),
				"previous_owner", prev,
				"owner", owner,
			))
			if err := g.store.Release(ctx, key, rec.Token); err != nil {
				return Outcome{}, err
			}
			continue
		}

		// A notify that lands before waitChan is caught by the next poll.
		ch := g.waitChan(key)
		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, errors.Cancelled("idempotency wait").WithCause(ctx.Err())
		}
		timer.Stop()
	}
}

// Store commits result for the reservation. ttl <= 0 uses the guard default.
func (g *Guard) Store(ctx context.Context, res *Reservation, result map[string]any, ttl time.Duration) error {
	if res == nil {
		return errors.InvalidInput("reservation", "reservation is required")
	}
	if ttl <= 0 {
		ttl = g.ttl
	}
	err := g.store.Complete(ctx, res.Key, res.Token, result, ttl)
	g.notify(res.Key)
	return err
}

// Release gives the reservation up without a result.
func (g *Guard) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	err := g.store.Release(ctx, res.Key, res.Token)
	g.notify(res.Key)
	return err
}

// Lookup returns the cached result for key, if any.
func (g *Guard) Lookup(ctx context.Context, key Key) (map[string]any, bool, error) {
	rec, err := g.store.Get(ctx, key)
	if err != nil || rec == nil || rec.State != StateCompleted {
		return nil, false, err
	}
	return rec.Result, true, nil
}

func (g *Guard) waitChan(key Key) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[key]
	if !ok {
		ch = make(chan struct{})
		g.waiters[key] = ch
	}
	return ch
}

func (g *Guard) notify(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[key]; ok {
		close(ch)
		delete(g.waiters, key)
	}
}

const ownerSep = "/"

func newToken(owner string) string {
	if owner == "" {
		return uuid.NewString()
	}
	return owner + ownerSep + uuid.NewString()
}

// OwnerOf returns the owner a reservation token was issued to, or "".
func OwnerOf(token string) string {
	i := strings.LastIndex(token, ownerSep)
	if i < 0 {
		return ""
	}
	return token[:i]
}
