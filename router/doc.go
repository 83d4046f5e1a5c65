// Package router decides which successors of a branching task become eligible.
//
// A Condition is a tagged variant with a closed set of kinds (threshold,
// resource_limit, rate). Each kind is evaluated by its own Evaluator, and
// Evaluate dispatches on Condition.Kind.
//
// Branches are considered in declaration order and the first branch whose
// condition holds is selected. A branch with a nil condition is the default
// branch: it is selected only when no branch before it matched.
//
//	r := router.New(log)
//	decision, err := r.Route(task.Branches, upstream)
//	// decision.Selected become ready, decision.Skipped are skipped.
package router
