package engine

import (
	"context"
	"time"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/component"
	"github.com/kbukum/flowgraph/events"
	"github.com/kbukum/flowgraph/executor"
	"github.com/kbukum/flowgraph/idempotency"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/observability"
	"github.com/kbukum/flowgraph/triage"
	"github.com/kbukum/flowgraph/txn"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	log            *logger.Logger
	registry       *executor.Registry
	txns           *txn.Manager
	guard          *idempotency.Guard
	checkpoints    *checkpoint.Store
	bus            *events.Bus
	metrics        *observability.EngineMetrics
	defaults       *executor.Config
	velocityWindow time.Duration
	triage         triage.Config
	newID          func() string
	retrySleep     func(ctx context.Context, d time.Duration) error
	components     *component.Registry
	closers        []func(ctx context.Context) error
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegistry sets the handler registry.
func WithRegistry(r *executor.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithTxnManager sets the transaction manager.
func WithTxnManager(m *txn.Manager) Option {
	return func(o *options) { o.txns = m }
}

// WithGuard sets the idempotency guard.
func WithGuard(g *idempotency.Guard) Option {
	return func(o *options) { o.guard = g }
}

// WithCheckpointStore sets the checkpoint store.
func WithCheckpointStore(s *checkpoint.Store) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithEventBus sets the event bus.
func WithEventBus(b *events.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDefaults sets the configuration used when StartExecution gets none.
func WithDefaults(cfg executor.Config) Option {
	return func(o *options) { o.defaults = &cfg }
}

// WithVelocityWindow sets the progress velocity window of new executions.
func WithVelocityWindow(d time.Duration) Option {
	return func(o *options) { o.velocityWindow = d }
}

// WithTriageConfig sets the error clustering parameters of new executions.
func WithTriageConfig(cfg triage.Config) Option {
	return func(o *options) { o.triage = cfg }
}

// WithIDGenerator replaces the execution id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithRetrySleep replaces the wait between task retry attempts.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.retrySleep = sleep }
}

// withComponents hands lifecycle ownership of started components to the engine.
func withComponents(r *component.Registry) Option {
	return func(o *options) { o.components = r }
}

// withCloser registers a function run by Shutdown after executions drain.
func withCloser(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}
