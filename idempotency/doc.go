// Package idempotency deduplicates re-executed task operations.
//
// KeyFor derives a deterministic key from (execution, item, operation).
// Guard.CheckAndReserve atomically either returns the cached result for the
// key or hands out a Reservation; a concurrent caller for the same key waits
// until the holder stores a result (and then receives it) or releases the
// reservation (and then competes for it again).
//
// Stores are interchangeable: MemoryStore for a single process and
// RedisStore when several processes share results.
package idempotency
