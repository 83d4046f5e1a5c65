// Package progress tracks completion, velocity and ETA for one execution.
package progress

import (
	"encoding/json"
	"math"
	"sync"
	"time"
)

// DefaultWindow is the sliding window used for velocity.
const DefaultWindow = 30 * time.Second

// Milestones are the completion percentages reported once each.
var Milestones = []int{25, 50, 75, 100}

// Outcome is how a task resolved.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Snapshot is a point-in-time view of progress.
type Snapshot struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
	// Velocity is resolutions per second over the sliding window.
	Velocity float64 `json:"velocity"`
	// ETASeconds is +Inf while velocity is zero and work remains.
	ETASeconds float64 `json:"eta_seconds"`
	Percent    float64 `json:"percent"`
}

// ETAKnown reports whether ETASeconds is finite.
func (s Snapshot) ETAKnown() bool {
	return !math.IsInf(s.ETASeconds, 0) && !math.IsNaN(s.ETASeconds)
}

// MarshalJSON encodes an unknown ETA as null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	out := struct {
		plain
		ETASeconds *float64 `json:"eta_seconds"`
	}{plain: plain(s)}
	if s.ETAKnown() {
		eta := s.ETASeconds
		out.ETASeconds = &eta
	}
	return json.Marshal(out)
}

// MilestoneFunc receives each milestone once.
type MilestoneFunc func(milestone int, snap Snapshot)

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow sets the velocity window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// OnMilestone registers the milestone callback.
func OnMilestone(fn MilestoneFunc) Option {
	return func(t *Tracker) { t.onMilestone = fn }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	window      time.Duration
	now         func() time.Time
	onMilestone MilestoneFunc

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	skipped   int
	startedAt time.Time
	samples   []time.Time
	fired     map[int]bool
}

// NewTracker creates a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		window: DefaultWindow,
		now:    time.Now,
		fired:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start resets the tracker for total items.
func (t *Tracker) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
	t.completed, t.failed, t.skipped = 0, 0, 0
	t.startedAt = t.now()
	t.samples = nil
	t.fired = make(map[int]bool)
}

// Preload counts items already completed before this run (on resume).
// Milestones they cross are marked as fired without being reported.
func (t *Tracker) Preload(completed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed += completed
	percent := t.percentLocked()
	for _, m := range Milestones {
		if percent >= float64(m) {
			t.fired[m] = true
		}
	}
}

// Record counts one resolution and returns the new snapshot.
func (t *Tracker) Record(outcome Outcome) Snapshot {
	t.mu.Lock()
	switch outcome {
	case OutcomeSucceeded:
		t.completed++
	case OutcomeFailed:
		t.failed++
	case OutcomeSkipped:
		t.skipped++
	}
	now := t.now()
	t.samples = append(t.samples, now)
	t.trimLocked(now)

	snap := t.snapshotLocked(now)
	var reached []int
	for _, m := range Milestones {
		if !t.fired[m] && t.total > 0 && snap.Percent >= float64(m) {
			t.fired[m] = true
			reached = append(reached, m)
		}
	}
	fn := t.onMilestone
	t.mu.Unlock()

	if fn != nil {
		for _, m := range reached {
			fn(m, snap)
		}
	}
	return snap
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.trimLocked(now)
	return t.snapshotLocked(now)
}

func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

func (t *Tracker) percentLocked() float64 {
	if t.total <= 0 {
		return 100
	}
	resolved := t.completed + t.failed + t.skipped
	return math.Min(100, float64(resolved)/float64(t.total)*100)
}

func (t *Tracker) snapshotLocked(now time.Time) Snapshot {
	resolved := t.completed + t.failed + t.skipped
	remaining := t.total - resolved
	if remaining < 0 {
		remaining = 0
	}

	span := t.window
	if elapsed := now.Sub(t.startedAt); elapsed < span {
		span = elapsed
	}
	velocity := 0.0
	if span > 0 && len(t.samples) > 0 {
		velocity = float64(len(t.samples)) / span.Seconds()
	}

	var eta float64
	switch {
	case remaining == 0:
		eta = 0
	case velocity == 0:
		eta = math.Inf(1)
	default:
		eta = float64(remaining) / velocity
	}

	return Snapshot{
		Total:      t.total,
		Completed:  t.completed,
		Failed:     t.failed,
		Skipped:    t.skipped,
		Remaining:  remaining,
		Velocity:   velocity,
		ETASeconds: eta,
		Percent:    t.percentLocked(),
	}
}
