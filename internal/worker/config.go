package worker

import (
	"fmt"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// MinInterval is the shortest period a job may be registered with.
const MinInterval = time.Second

// Config holds the configuration for the periodic job worker.
type Config struct {
	// JobTimeout is the maximum time a single run is allowed to take.
	// Default: 1 minute
	JobTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for running jobs.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// RunOnStart runs every job once immediately after Start instead of
	// waiting a full interval.
	// Default: false
	RunOnStart bool
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		JobTimeout:      time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	const op = "worker.config"

	if c.JobTimeout < time.Second {
		return domain.Configuration(op, fmt.Sprintf("job timeout must be at least 1 second, got %v", c.JobTimeout))
	}
	if c.ShutdownTimeout < time.Second {
		return domain.Configuration(op, fmt.Sprintf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout))
	}
	return nil
}
