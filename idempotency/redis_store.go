package idempotency

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/redis"
)

// completeScript overwrites the record unless a live record belongs to
// another token. Returns 0 on conflict.
var completeScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if rec.token ~= ARGV[1] then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// releaseScript deletes the record only while it is a reservation held by token.
var releaseScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.state == 'reserved' and rec.token == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps records as JSON strings. Reservations use SET NX with a
// millisecond expiry; expiry is left to Redis.
type RedisStore struct {
	client  *redis.Client
	records *redis.TypedStore[Record]
}

// NewRedisStore creates a store whose keys live under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		records: redis.NewTypedStore[Record](client, prefix),
	}
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key Key, token string, ttl time.Duration) (Record, bool, error) {
	now := time.Now()
	rec := Record{Key: key, State: StateReserved, Token: token, CreatedAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, errors.Internal(err)
	}

	// A holder may expire between SETNX and GET; try again in that case.
	for i := 0; i < 3; i++ {
		ok, err := s.client.SetNX(ctx, s.records.Key(string(key)), string(data), ttl)
		if err != nil {
			return Record{}, false, errors.Storage("idempotency.reserve", err)
		}
		if ok {
			return rec, true, nil
		}
		existing, err := s.Get(ctx, key)
		if err != nil {
			return Record{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}
	return Record{}, false, errors.Storage("idempotency.reserve", errors.Conflict("reservation kept expiring"))
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, key Key, token string, result map[string]any, ttl time.Duration) error {
	now := time.Now()
	rec := Record{Key: key, State: StateCompleted, Token: token, Result: result, CreatedAt: now}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.InvalidInput("result", "result is not JSON encodable").WithCause(err)
	}
	res, err := s.client.RunScript(ctx, completeScript,
		[]string{s.records.Key(string(key))}, token, string(data), ttl.Milliseconds())
	if err != nil {
		return errors.Storage("idempotency.complete", err)
	}
	if n, _ := res.(int64); n == 0 {
		return errors.IdempotencyConflict(string(key))
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key Key, token string) error {
	if _, err := s.client.RunScript(ctx, releaseScript, []string{s.records.Key(string(key))}, token); err != nil {
		return errors.Storage("idempotency.release", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := s.records.Load(ctx, string(key))
	if err != nil {
		return nil, errors.Storage("idempotency.get", err)
	}
	return rec, nil
}
