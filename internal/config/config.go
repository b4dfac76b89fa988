// Package config loads and validates packcore's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the root configuration tree for packcore. It is loaded
// from YAML, validated, and passed (or its relevant section passed) into
// each subsystem at construction — no subsystem reads global state.
type Configuration struct {
	Paths         PathsConfig         `yaml:"paths"`
	Locking       LockingConfig       `yaml:"locking"`
	ArchiveCache  ArchiveCacheConfig  `yaml:"archive_cache"`
	MetadataCache MetadataCacheConfig `yaml:"metadata_cache"`
	ImageCache    ImageCacheConfig    `yaml:"image_cache"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retry         RetryConfig         `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	DeadLetter    DeadLetterConfig    `yaml:"dead_letter"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// PathsConfig locates the per-user application data directory and the
// cache file names within it.
type PathsConfig struct {
	AppDataDir       string `yaml:"app_data_dir"`
	MetadataCacheFile string `yaml:"metadata_cache_file"`
	ImageCacheFile    string `yaml:"image_cache_file"`
	SearchCacheFile   string `yaml:"search_cache_file"`
}

// LockingConfig configures the File Access Controller.
type LockingConfig struct {
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	StaleInterval time.Duration `yaml:"stale_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ArchiveCacheConfig configures the Virtual Archive Cache.
type ArchiveCacheConfig struct {
	PerArchiveCapBytes int64         `yaml:"per_archive_cap_bytes"`
	GlobalCapBytes     int64         `yaml:"global_cap_bytes"`
	WeakPromoteBytes   int64         `yaml:"weak_promote_bytes"`
	IdleEvictAfter     time.Duration `yaml:"idle_evict_after"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	DemoteToPercent    float64       `yaml:"demote_to_percent"`
}

// MetadataCacheConfig configures the Binary Metadata Cache.
type MetadataCacheConfig struct {
	CurrentVersion uint32 `yaml:"current_version"`
	MaxEntries     int    `yaml:"max_entries"`
}

// ImageCacheConfig configures the Image Disk Cache.
type ImageCacheConfig struct {
	CurrentVersion uint32 `yaml:"current_version"`
	LRUCapacity    int    `yaml:"lru_capacity"`
	MinWidth       int    `yaml:"min_width"`
	MinHeight      int    `yaml:"min_height"`
	JPEGQuality    int    `yaml:"jpeg_quality"`
}

// SchedulerConfig configures the Parallel Work Scheduler and Priority Queue.
type SchedulerConfig struct {
	QueueCapacity      int           `yaml:"queue_capacity"`
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`
	TargetWorkers      int           `yaml:"target_workers"`
	AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
	WorkerIdleTimeout  time.Duration `yaml:"worker_idle_timeout"`
}

// RetryConfig is the default retry policy, overridable per task kind.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	JitterFactor  float64       `yaml:"jitter_factor"`
}

// CircuitBreakerConfig is the default circuit breaker policy, overridable
// per task kind.
type CircuitBreakerConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

// DeadLetterConfig configures dead-letter retention and auto-retry.
type DeadLetterConfig struct {
	Capacity      int           `yaml:"capacity"`
	Retention     time.Duration `yaml:"retention"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	FailureWindow time.Duration `yaml:"failure_window"`
}

// MetricsConfig configures metrics export and dashboard update cadence.
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// NewDefault returns the default configuration tree.
func NewDefault() *Configuration {
	appData, err := os.UserConfigDir()
	if err != nil || appData == "" {
		appData = "."
	}
	root := filepath.Join(appData, "packcore")

	return &Configuration{
		Paths: PathsConfig{
			AppDataDir:        root,
			MetadataCacheFile: "PackageMetadata.cache",
			ImageCacheFile:    "PackageImages.cache",
			SearchCacheFile:   "HubSearch.cache",
		},
		Locking: LockingConfig{
			WriteTimeout:  10 * time.Second,
			StaleInterval: 5 * time.Minute,
			SweepInterval: time.Minute,
		},
		ArchiveCache: ArchiveCacheConfig{
			PerArchiveCapBytes: 50 * 1024 * 1024,
			GlobalCapBytes:     500 * 1024 * 1024,
			WeakPromoteBytes:   1024 * 1024,
			IdleEvictAfter:     5 * time.Minute,
			SweepInterval:      30 * time.Second,
			DemoteToPercent:    0.70,
		},
		MetadataCache: MetadataCacheConfig{
			CurrentVersion: 14,
			MaxEntries:     100_000,
		},
		ImageCache: ImageCacheConfig{
			CurrentVersion: 2,
			LRUCapacity:    50,
			MinWidth:       100,
			MinHeight:      100,
			JPEGQuality:    90,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:      10_000,
			MinWorkers:         2,
			MaxWorkers:         32,
			TargetWorkers:      8,
			AdjustmentInterval: time.Second,
			WorkerIdleTimeout:  30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			OpenTimeout:      30 * time.Second,
			HalfOpenProbes:   1,
		},
		DeadLetter: DeadLetterConfig{
			Capacity:      10_000,
			Retention:     24 * time.Hour,
			MaxRetryDelay: time.Minute,
			FailureWindow: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			ListenAddr:     ":9090",
			Path:           "/metrics",
			UpdateInterval: 10 * time.Second,
		},
	}
}

// LoadFromFile reads and validates a YAML configuration file, filling any
// unset fields from NewDefault.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the configuration to path as YAML.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Configuration) Validate() error {
	if c.Scheduler.MinWorkers < 0 {
		return fmt.Errorf("scheduler.min_workers must be >= 0")
	}
	if c.Scheduler.MaxWorkers < c.Scheduler.MinWorkers {
		return fmt.Errorf("scheduler.max_workers must be >= min_workers")
	}
	if c.Scheduler.TargetWorkers < c.Scheduler.MinWorkers || c.Scheduler.TargetWorkers > c.Scheduler.MaxWorkers {
		return fmt.Errorf("scheduler.target_workers must be within [min_workers, max_workers]")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be > 0")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0, 1]")
	}
	return nil
}
