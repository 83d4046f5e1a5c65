package config

import (
	"fmt"
	"time"

	"github.com/kbukum/flowgraph/database"
	"github.com/kbukum/flowgraph/redis"
	"github.com/kbukum/flowgraph/validation"
)

// Storage backends accepted by the idempotency and checkpoint sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// EngineConfig is the full configuration of a flowgraph engine.
type EngineConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Executor      ExecutorConfig      `yaml:"executor" mapstructure:"executor"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" mapstructure:"idempotency"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint" mapstructure:"checkpoint"`
	Progress      ProgressConfig      `yaml:"progress" mapstructure:"progress"`
	Triage        TriageConfig        `yaml:"triage" mapstructure:"triage"`
	Redis         redis.Config        `yaml:"redis" mapstructure:"redis"`
	Database      database.Config     `yaml:"database" mapstructure:"database"`
	Kafka         KafkaConfig         `yaml:"kafka" mapstructure:"kafka"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// ExecutorConfig holds the execution-wide defaults.
type ExecutorConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency" mapstructure:"max_concurrency" validate:"gte=1"`
	CheckpointInterval int           `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval" validate:"gte=0"`
	CheckpointEvery    time.Duration `yaml:"checkpoint_every" mapstructure:"checkpoint_every" validate:"gte=0"`
	TaskTimeout        time.Duration `yaml:"task_timeout" mapstructure:"task_timeout" validate:"gte=0"`
	Retry              RetryConfig   `yaml:"retry" mapstructure:"retry"`
	CriticalTasks      []string      `yaml:"critical_tasks" mapstructure:"critical_tasks"`
}

// RetryConfig holds the per-task retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=1"`
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" validate:"gte=0"`
}

// IdempotencyConfig selects the idempotency record store.
type IdempotencyConfig struct {
	Backend string        `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gt=0"`
	// Lease bounds how long a reservation outlives a holder that died
	// without releasing it.
	Lease     time.Duration `yaml:"lease" mapstructure:"lease" validate:"gt=0"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory redis database"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ProgressConfig tunes velocity estimation.
type ProgressConfig struct {
	VelocityWindow time.Duration `yaml:"velocity_window" mapstructure:"velocity_window" validate:"gt=0"`
}

// TriageConfig tunes error clustering.
type TriageConfig struct {
	ClusterWindow    time.Duration `yaml:"cluster_window" mapstructure:"cluster_window" validate:"gt=0"`
	ClusterThreshold int           `yaml:"cluster_threshold" mapstructure:"cluster_threshold" validate:"gte=2"`
	IndexGap         int           `yaml:"index_gap" mapstructure:"index_gap" validate:"gte=1"`
}

// KafkaConfig configures the Kafka event sink.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Brokers      []string      `yaml:"brokers" mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" mapstructure:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	TracingEnabled  bool    `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint" mapstructure:"tracing_endpoint"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsEndpoint string  `yaml:"metrics_endpoint" mapstructure:"metrics_endpoint"`
	SampleRate      float64 `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Insecure        bool    `yaml:"insecure" mapstructure:"insecure"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *EngineConfig) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()

	if c.Executor.MaxConcurrency <= 0 {
		c.Executor.MaxConcurrency = 10
	}
	if c.Executor.CheckpointInterval <= 0 {
		c.Executor.CheckpointInterval = 10
	}
	if c.Executor.Retry.MaxAttempts <= 0 {
		c.Executor.Retry.MaxAttempts = 3
	}
	if c.Executor.Retry.BackoffBase <= 0 {
		c.Executor.Retry.BackoffBase = time.Second
	}
	if c.Executor.Retry.MaxBackoff <= 0 {
		c.Executor.Retry.MaxBackoff = time.Minute
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = BackendMemory
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.Lease <= 0 {
		c.Idempotency.Lease = 10 * time.Minute
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "flowgraph:idem"
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = BackendMemory
	}
	if c.Checkpoint.KeyPrefix == "" {
		c.Checkpoint.KeyPrefix = "flowgraph:checkpoint"
	}

	if c.Progress.VelocityWindow <= 0 {
		c.Progress.VelocityWindow = 30 * time.Second
	}

	if c.Triage.ClusterWindow <= 0 {
		c.Triage.ClusterWindow = 10 * time.Second
	}
	if c.Triage.ClusterThreshold <= 0 {
		c.Triage.ClusterThreshold = 5
	}
	if c.Triage.IndexGap <= 0 {
		c.Triage.IndexGap = 1
	}

	if c.Kafka.BatchTimeout <= 0 {
		c.Kafka.BatchTimeout = 100 * time.Millisecond
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}

	// A backend that needs redis or a database switches the component on.
	if c.Idempotency.Backend == BackendRedis || c.Checkpoint.Backend == BackendRedis {
		c.Redis.Enabled = true
	}
	if c.Checkpoint.Backend == BackendDatabase {
		c.Database.Enabled = true
	}
	c.Redis.ApplyDefaults()
	c.Database.ApplyDefaults()
}

// Validate checks every section.
func (c *EngineConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := validation.Validate(c); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("config.redis: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("config.database: %w", err)
	}
	return nil
}
