package engine

import (
	"fmt"
	"time"

	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/fetch"
	"github.com/DukeRupert/ppewatch/internal/live"
	"github.com/DukeRupert/ppewatch/internal/window"
)

// Config holds the tunables of one dashboard session.
type Config struct {
	Fetch      fetch.Config
	Alerts     live.Config
	Compliance aggregate.ComplianceConfig

	// Range is the window the session opens with.
	// Default: 30d
	Range window.Range

	// WorkingSetCap bounds the records held for the active window. Zero
	// means unbounded.
	// Default: 5000
	WorkingSetCap int

	// FallbackInterval is the poll period while the push channel is down.
	// It should be coarser than the push heartbeat.
	// Default: 30 seconds
	FallbackInterval time.Duration

	// MaxPollFailures is how many consecutive failed fallback polls mark
	// the data as stale.
	// Default: 3
	MaxPollFailures int

	// FetchTimeout bounds one fetch run across all its pages.
	// Default: 30 seconds
	FetchTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Fetch:            fetch.DefaultConfig(),
		Alerts:           live.DefaultConfig(),
		Compliance:       aggregate.DefaultComplianceConfig(),
		Range:            window.DefaultRange,
		WorkingSetCap:    5000,
		FallbackInterval: 30 * time.Second,
		MaxPollFailures:  3,
		FetchTimeout:     30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	const op = "engine.config"

	if err := c.Fetch.Validate(); err != nil {
		return err
	}
	if err := c.Compliance.Validate(); err != nil {
		return err
	}
	if _, err := window.ParseRange(string(c.Range)); err != nil {
		return domain.Configuration(op, fmt.Sprintf("unknown range %q", c.Range))
	}
	if c.Alerts.CriticalCap < 1 {
		return domain.Configuration(op, fmt.Sprintf("critical alert cap must be at least 1, got %d", c.Alerts.CriticalCap))
	}
	if c.Alerts.LogCap < 1 {
		return domain.Configuration(op, fmt.Sprintf("alert log cap must be at least 1, got %d", c.Alerts.LogCap))
	}
	if c.WorkingSetCap < 0 {
		return domain.Configuration(op, fmt.Sprintf("working set cap must not be negative, got %d", c.WorkingSetCap))
	}
	if c.WorkingSetCap > 0 && c.WorkingSetCap < c.Fetch.MaxTotal {
		return domain.Configuration(op, fmt.Sprintf("working set cap %d is below max total %d", c.WorkingSetCap, c.Fetch.MaxTotal))
	}
	if c.FallbackInterval <= 0 {
		return domain.Configuration(op, fmt.Sprintf("fallback interval must be positive, got %v", c.FallbackInterval))
	}
	if c.MaxPollFailures < 1 {
		return domain.Configuration(op, fmt.Sprintf("max poll failures must be at least 1, got %d", c.MaxPollFailures))
	}
	if c.FetchTimeout <= 0 {
		return domain.Configuration(op, fmt.Sprintf("fetch timeout must be positive, got %v", c.FetchTimeout))
	}
	return nil
}
