package txn

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/redis"
)

// RedisStore is a Store keeping one JSON string per key. Apply runs in one
// MULTI/EXEC, so a reader never sees part of a commit. Values read back the
// way DatabaseStore returns them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store whose keys live under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key))
	if redis.IsNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Storage("txn.get", err).WithDetail("key", key)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, errors.Storage("txn.decode", err).WithDetail("key", key)
	}
	return v, true, nil
}

// Apply implements Store.
func (s *RedisStore) Apply(ctx context.Context, writes []Write) error {
	encoded := make([]string, len(writes))
	for i, w := range writes {
		if w.Delete {
			continue
		}
		data, err := json.Marshal(w.Value)
		if err != nil {
			return errors.InvalidInput(w.Key, "value is not JSON encodable").WithCause(err)
		}
		encoded[i] = string(data)
	}
	if len(writes) == 0 {
		return nil
	}

	err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, w := range writes {
			if w.Delete {
				pipe.Del(ctx, s.key(w.Key))
				continue
			}
			pipe.Set(ctx, s.key(w.Key), encoded[i], 0)
		}
		return nil
	})
	if err != nil {
		return errors.Storage("txn.apply", err)
	}
	return nil
}
