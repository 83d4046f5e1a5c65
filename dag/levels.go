package dag

import (
	"github.com/kbukum/flowgraph/errors"
)

// Levels groups the tasks of a validated graph into scheduling levels.
// Every task sits at a higher level than each of its predecessors.
func Levels(d *DAG) ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.validated {
		return nil, errors.InvalidInput("dag", "dag "+d.ID+" must be validated before levelling")
	}

	level := make(map[string]int, len(d.order))
	var depth func(id string) int
	depth = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		l := 0
		for _, p := range d.predecessors[id] {
			if pl := depth(p) + 1; pl > l {
				l = pl
			}
		}
		level[id] = l
		return l
	}

	maxLevel := 0
	for _, id := range d.order {
		if l := depth(id); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range d.order {
		l := level[id]
		levels[l] = append(levels[l], id)
	}
	return levels, nil
}

// LevelOf returns a map from task id to level index.
func LevelOf(levels [][]string) map[string]int {
	out := make(map[string]int)
	for i, level := range levels {
		for _, id := range level {
			out[id] = i
		}
	}
	return out
}
