// Package checkpoint persists the frontier of an execution so a crashed run
// can resume without redoing committed work.
//
// Store serialises writes per execution, drops saves whose sequence number
// is not newer than the last one, and refuses any frontier that marks a task
// completed before the transaction commit log has it. Backends are
// interchangeable: memory, SQL through GORM, or Redis.
package checkpoint
