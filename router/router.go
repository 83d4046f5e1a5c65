package router

import (
	"github.com/kbukum/flowgraph/logger"
)

// Branch is a guarded set of successor tasks declared on an upstream task.
// A nil Condition marks the default branch.
type Branch struct {
	Condition *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Targets   []string   `yaml:"targets" json:"targets"`
}

// Decision is the outcome of routing one task's branches.
type Decision struct {
	// Selected are the targets of the matched branch.
	Selected []string
	// Skipped are targets of other branches that the matched branch does not also name.
	Skipped []string
	// Matched is the index of the selected branch, or -1 when none matched.
	Matched int
}

// Router applies first-match-wins routing.
type Router struct {
	log *logger.Logger
}

// New creates a Router. A nil logger discards output.
func New(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{log: log.WithComponent("router")}
}

// Route selects the first branch whose condition holds. If a condition fails
// to evaluate, routing stops and nothing is selected.
func (r *Router) Route(branches []Branch, upstream []Upstream) (Decision, error) {
	decision := Decision{Matched: -1}
	for i := range branches {
		ok, err := Evaluate(branches[i].Condition, upstream)
		if err != nil {
			return Decision{Matched: -1}, err
		}
		if ok {
			decision.Matched = i
			break
		}
	}

	selected := make(map[string]bool)
	if decision.Matched >= 0 {
		for _, t := range branches[decision.Matched].Targets {
			if !selected[t] {
				selected[t] = true
				decision.Selected = append(decision.Selected, t)
			}
		}
	}

	skipped := make(map[string]bool)
	for i, b := range branches {
		if i == decision.Matched {
			continue
		}
		for _, t := range b.Targets {
			if selected[t] || skipped[t] {
				continue
			}
			skipped[t] = true
			decision.Skipped = append(decision.Skipped, t)
		}
	}

	r.log.Debug("Branches routed", logger.Fields(
		"matched", decision.Matched,
		"selected", decision.Selected,
		"skipped", decision.Skipped,
	))
	return decision, nil
}
