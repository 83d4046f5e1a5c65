package checkpoint

import "time"

// DefaultInterval is the number of resolved items between snapshots.
const DefaultInterval = 10

// Trigger names why a snapshot was taken.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerTime     Trigger = "time"
	TriggerLevel    Trigger = "level"
	TriggerFinal    Trigger = "final"
)

// Policy decides when to snapshot. Level snapshots are always taken; the
// executor asks Due after every task resolution.
type Policy struct {
	// Interval snapshots whenever the resolved count reaches a multiple of it.
	Interval int
	// Every snapshots when this much time passed since the last snapshot.
	Every time.Duration
}

// DefaultPolicy snapshots every DefaultInterval items.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval}
}

// Due reports whether a snapshot is due after resolved items, given the
// time of the last snapshot.
func (p Policy) Due(resolved int, lastAt, now time.Time) (Trigger, bool) {
	if p.Interval > 0 && resolved > 0 && resolved%p.Interval == 0 {
		return TriggerInterval, true
	}
	if p.Every > 0 && !lastAt.IsZero() && now.Sub(lastAt) >= p.Every {
		return TriggerTime, true
	}
	return "", false
}
