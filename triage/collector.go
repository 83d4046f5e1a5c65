package triage

import (
	"sync"
	"time"
)

// Defaults for clustering and recommendation.
const (
	DefaultClusterWindow       = 10 * time.Second
	DefaultClusterThreshold    = 5
	DefaultIndexGap            = 1
	DefaultMinIndexClusterSize = 3
	DefaultShareThreshold      = 0.30
)

// Config tunes pattern detection.
type Config struct {
	ClusterWindow       time.Duration `yaml:"cluster_window" mapstructure:"cluster_window"`
	ClusterThreshold    int           `yaml:"cluster_threshold" mapstructure:"cluster_threshold"`
	IndexGap            int           `yaml:"index_gap" mapstructure:"index_gap"`
	MinIndexClusterSize int           `yaml:"min_index_cluster_size" mapstructure:"min_index_cluster_size"`
	ShareThreshold      float64       `yaml:"share_threshold" mapstructure:"share_threshold"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.ClusterWindow <= 0 {
		c.ClusterWindow = DefaultClusterWindow
	}
	if c.ClusterThreshold <= 0 {
		c.ClusterThreshold = DefaultClusterThreshold
	}
	if c.IndexGap <= 0 {
		c.IndexGap = DefaultIndexGap
	}
	if c.MinIndexClusterSize <= 0 {
		c.MinIndexClusterSize = DefaultMinIndexClusterSize
	}
	if c.ShareThreshold <= 0 || c.ShareThreshold > 1 {
		c.ShareThreshold = DefaultShareThreshold
	}
}

// Collector accumulates error records for one execution.
type Collector struct {
	cfg Config

	mu      sync.RWMutex
	records []ErrorRecord
}

// NewCollector creates a Collector. Zero config fields take defaults.
func NewCollector(cfg Config) *Collector {
	cfg.ApplyDefaults()
	return &Collector{cfg: cfg}
}

// Add appends a record.
func (c *Collector) Add(rec ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// Len returns the number of records.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns a copy of the records in insertion order.
func (c *Collector) Records() []ErrorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ErrorRecord(nil), c.records...)
}

// Report analyses the records collected so far.
func (c *Collector) Report() Report {
	return Analyze(c.Records(), c.cfg)
}
