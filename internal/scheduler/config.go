package scheduler

import (
	"time"

	"github.com/smallbiznis/gatekeeper/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	EnabledJobs   []string
	JobTimeout    time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	LockTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   time.Minute,
		BatchSize:     100,
		JobTimeout:    30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 200 * time.Millisecond,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		MaxRetries:  cfg.Scheduler.MaxRetries,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	// The lock outlives the job so a slow replica cannot overlap with the next run.
	if c.LockTTL <= 0 {
		c.LockTTL = c.JobTimeout * 2
	}
	return c
}
