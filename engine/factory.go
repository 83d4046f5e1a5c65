package engine

import (
	"context"
	"fmt"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/component"
	"github.com/kbukum/flowgraph/config"
	"github.com/kbukum/flowgraph/database"
	"github.com/kbukum/flowgraph/events"
	"github.com/kbukum/flowgraph/executor"
	"github.com/kbukum/flowgraph/idempotency"
	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/observability"
	"github.com/kbukum/flowgraph/redis"
	"github.com/kbukum/flowgraph/triage"
	"github.com/kbukum/flowgraph/txn"
)

// NewFromConfig builds an Engine with the backends cfg selects, starts them
// and hands their lifecycle to the engine. Options override the built
// collaborators. On error everything started so far is stopped again.
func NewFromConfig(ctx context.Context, cfg *config.EngineConfig, opts ...Option) (eng *Engine, err error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	log := logger.New(&cfg.Logging, cfg.Name)

	components := component.NewRegistry(log)
	var rc *redis.Component
	var dc *database.Component
	if cfg.Redis.Enabled {
		rc = redis.NewComponent(cfg.Redis, log)
		if err := components.Register(rc); err != nil {
			return nil, err
		}
	}
	if cfg.Database.Enabled {
		dc = database.NewComponent(cfg.Database, log)
		if err := components.Register(dc); err != nil {
			return nil, err
		}
	}
	if err := components.StartAll(ctx); err != nil {
		return nil, err
	}

	var closers []func(ctx context.Context) error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		_ = components.StopAll(ctx)
	}()

	// The commit log lives next to the checkpoints when they are durable, so
	// a restarted process can still verify a frontier.
	var committed txn.Store
	switch {
	case cfg.Checkpoint.Backend == config.BackendRedis:
		committed = txn.NewRedisStore(rc.Client(), cfg.Checkpoint.KeyPrefix+":txn")
	case dc != nil:
		if committed, err = txn.NewDatabaseStore(dc.DB()); err != nil {
			return nil, err
		}
	}
	txns := txn.NewManager(committed, log)

	var idemStore idempotency.Store
	if cfg.Idempotency.Backend == config.BackendRedis {
		idemStore = idempotency.NewRedisStore(rc.Client(), cfg.Idempotency.KeyPrefix)
	}
	guard := idempotency.NewGuard(idemStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(cfg.Idempotency.Lease),
		idempotency.WithLogger(log),
	)

	var backend checkpoint.Backend
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		backend = checkpoint.NewRedisBackend(rc.Client(), cfg.Checkpoint.KeyPrefix, 0)
	case config.BackendDatabase:
		if backend, err = checkpoint.NewDatabaseBackend(dc.DB()); err != nil {
			return nil, err
		}
	}
	checkpoints := checkpoint.NewStore(backend, checkpoint.WithCommitLog(txns), checkpoint.WithLogger(log))

	bus := events.NewBus(log, events.NewLogSink(log))
	if cfg.Kafka.Enabled {
		sink, err := events.NewKafkaSink(cfg.Kafka, log)
		if err != nil {
			return nil, err
		}
		bus.Subscribe(sink)
		closers = append(closers, func(context.Context) error { return sink.Close() })
	}

	if cfg.Observability.TracingEnabled {
		tc := observability.DefaultTracerConfig(cfg.Name)
		tc.Environment = cfg.Environment
		tc.Insecure = cfg.Observability.Insecure
		tc.SampleRate = cfg.Observability.SampleRate
		if cfg.Observability.TracingEndpoint != "" {
			tc.Endpoint = cfg.Observability.TracingEndpoint
		}
		tp, err := observability.InitTracer(ctx, tc, log)
		if err != nil {
			return nil, err
		}
		closers = append(closers, tp.Shutdown)
	}
	if cfg.Observability.MetricsEnabled {
		mc := observability.DefaultMeterConfig(cfg.Name)
		mc.Environment = cfg.Environment
		mc.Insecure = cfg.Observability.Insecure
		if cfg.Observability.MetricsEndpoint != "" {
			mc.Endpoint = cfg.Observability.MetricsEndpoint
		}
		mp, err := observability.InitMeter(ctx, mc, log)
		if err != nil {
			return nil, err
		}
		closers = append(closers, mp.Shutdown)
	}
	metrics, err := observability.NewEngineMetrics(observability.Meter(observability.InstrumentationName))
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(log),
		WithTxnManager(txns),
		WithGuard(guard),
		WithCheckpointStore(checkpoints),
		WithEventBus(bus),
		WithMetrics(metrics),
		WithDefaults(executor.FromExecutorConfig(cfg.Executor)),
		WithVelocityWindow(cfg.Progress.VelocityWindow),
		WithTriageConfig(triage.Config{
			ClusterWindow:    cfg.Triage.ClusterWindow,
			ClusterThreshold: cfg.Triage.ClusterThreshold,
			IndexGap:         cfg.Triage.IndexGap,
		}),
		withComponents(components),
	}
	for _, fn := range closers {
		base = append(base, withCloser(fn))
	}

	log.Info("Engine configured", logger.Fields(
		"idempotency_backend", cfg.Idempotency.Backend,
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"kafka", cfg.Kafka.Enabled,
		"tracing", cfg.Observability.TracingEnabled,
		"metrics", cfg.Observability.MetricsEnabled,
	))
	return New(append(base, opts...)...), nil
}
