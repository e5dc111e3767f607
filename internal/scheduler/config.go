package scheduler

import (
	"time"

	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/materializer"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	GracePeriod       time.Duration
	BatchSize         int
	MaxRepairAttempts int
	VerifyInterval    time.Duration
	JobTimeout        time.Duration
	LockTTL           time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		GracePeriod:       2 * time.Minute,
		BatchSize:         25,
		MaxRepairAttempts: materializer.DefaultMaxRepairAttempts,
		VerifyInterval:    24 * time.Hour,
		JobTimeout:        30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:       cfg.Sweep.RunInterval,
		GracePeriod:       cfg.Sweep.GracePeriod,
		BatchSize:         cfg.Sweep.BatchSize,
		MaxRepairAttempts: cfg.Sweep.MaxRepairAttempts,
		VerifyInterval:    cfg.Sweep.VerifyInterval,
		EnabledJobs:       cfg.Sweep.Jobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaults.GracePeriod
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxRepairAttempts <= 0 {
		c.MaxRepairAttempts = defaults.MaxRepairAttempts
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = defaults.VerifyInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// The lease outlives one tick so a slow sweep is not joined by a second instance.
	if c.LockTTL <= 0 {
		c.LockTTL = c.RunInterval + c.JobTimeout
	}
	return c
}
