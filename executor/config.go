package executor

import (
	"time"

	"github.com/kbukum/flowgraph/checkpoint"
	"github.com/kbukum/flowgraph/config"
	"github.com/kbukum/flowgraph/resilience"
	"github.com/kbukum/flowgraph/validation"
)

// Defaults for a single execution.
const (
	DefaultMaxConcurrency = 10
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = time.Second
	DefaultMaxBackoff     = time.Minute
)

// RetryPolicy bounds in-run retries of a failing task.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gte=0"`
}

// Config is the per-execution configuration.
type Config struct {
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=1"`
	// CheckpointInterval snapshots every N resolved tasks. Negative disables it.
	CheckpointInterval int           `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	CheckpointEvery    time.Duration `yaml:"checkpoint_every" json:"checkpoint_every" validate:"gte=0"`
	// TaskTimeout is the default deadline; a task's own Timeout overrides it.
	TaskTimeout   time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"gte=0"`
	RetryPolicy   RetryPolicy   `yaml:"retry_policy" json:"retry_policy"`
	CriticalTasks []string      `yaml:"critical_tasks" json:"critical_tasks"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	c := Config{RetryPolicy: RetryPolicy{BackoffBase: DefaultBackoffBase}}
	c.ApplyDefaults()
	return c
}

// FromExecutorConfig converts the engine configuration section.
func FromExecutorConfig(ec config.ExecutorConfig) Config {
	c := Config{
		MaxConcurrency:     ec.MaxConcurrency,
		CheckpointInterval: ec.CheckpointInterval,
		CheckpointEvery:    ec.CheckpointEvery,
		TaskTimeout:        ec.TaskTimeout,
		RetryPolicy: RetryPolicy{
			MaxAttempts: ec.Retry.MaxAttempts,
			BackoffBase: ec.Retry.BackoffBase,
			MaxBackoff:  ec.Retry.MaxBackoff,
		},
		CriticalTasks: append([]string(nil), ec.CriticalTasks...),
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = checkpoint.DefaultInterval
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryPolicy.BackoffBase < 0 {
		c.RetryPolicy.BackoffBase = 0
	}
	if c.RetryPolicy.MaxBackoff <= 0 {
		c.RetryPolicy.MaxBackoff = DefaultMaxBackoff
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.Validate(c)
}

func (c *Config) policy() checkpoint.Policy {
	p := checkpoint.Policy{Every: c.CheckpointEvery}
	if c.CheckpointInterval > 0 {
		p.Interval = c.CheckpointInterval
	}
	return p
}

func (c *Config) retryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = c.RetryPolicy.MaxAttempts
	rc.InitialBackoff = c.RetryPolicy.BackoffBase
	rc.MaxBackoff = c.RetryPolicy.MaxBackoff
	return rc
}

func (c *Config) isCritical(taskID string) bool {
	for _, id := range c.CriticalTasks {
		if id == taskID {
			return true
		}
	}
	return false
}
