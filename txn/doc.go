// Package txn wraps each task's side effects in a unit of work.
//
// A Unit stages writes privately: the handler that owns it reads its own
// writes, sibling units never see them, and nothing reaches the Store until
// Manager.Commit applies the whole unit atomically. Savepoints allow partial
// rollback inside a unit.
//
// Every commit also records a marker for (execution, task) in the same atomic
// write, so the commit log survives a restart whenever the Store does.
package txn
