// Package redis wraps go-redis with flowgraph logging, configuration
// conventions and component lifecycle support.
//
// It backs the Redis idempotency store (reservations with SET NX PX and
// token-checked scripts) and the Redis checkpoint backend (TypedStore):
//
//	client, err := redis.New(cfg, log)
//	store := redis.NewTypedStore[checkpoint.Checkpoint](client, "flowgraph:checkpoint")
//	err = store.Save(ctx, executionID, &cp, 0)
//
// Tests use the redistest subpackage, which runs an in-memory miniredis.
package redis
