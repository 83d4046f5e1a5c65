// Package redistest runs an in-memory Redis (miniredis) for tests of the
// Redis-backed idempotency and checkpoint stores.
package redistest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/flowgraph/component"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/redis"
)

// New starts a miniredis server and returns a client connected to it.
// Both are closed when the test ends.
func New(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	client := redis.NewFromClient(rdb, redis.Config{Enabled: true, Addr: mini.Addr()}, logger.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return client, mini
}

// Component is an in-memory Redis that can be registered in a component.Registry.
type Component struct {
	mini    *miniredis.Miniredis
	client  *redis.Client
	started bool
	mu      sync.RWMutex
}

var _ component.Component = (*Component)(nil)

// NewComponent creates a new in-memory Redis component.
func NewComponent() *Component {
	return &Component{}
}

// Client returns the client, or nil if not started.
func (c *Component) Client() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Server returns the miniredis server, e.g. to FastForward TTLs.
func (c *Component) Server() *miniredis.Miniredis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mini
}

// Name returns the component name.
func (c *Component) Name() string { return "redis-test" }

// Start launches the in-memory Redis server.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("component already started")
	}
	mini, err := miniredis.Run()
	if err != nil {
		return fmt.Errorf("failed to start miniredis: %w", err)
	}
	c.mini = mini
	rdb := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	c.client = redis.NewFromClient(rdb, redis.Config{Enabled: true, Addr: mini.Addr()}, logger.Nop())
	c.started = true
	return nil
}

// Stop shuts down the in-memory Redis server.
func (c *Component) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	_ = c.client.Close()
	c.mini.Close()
	c.started = false
	return nil
}

// Health returns the health status.
func (c *Component) Health(_ context.Context) component.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy}
}

// Reset flushes all keys.
func (c *Component) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mini != nil {
		c.mini.FlushAll()
	}
}
