package engine

import (
	"time"

	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/live"
	"github.com/DukeRupert/ppewatch/internal/window"
)

// Freshness tells the UI how current the published view-model is.
type Freshness struct {
	// LastFetchedAt is when the last successful fetch completed.
	LastFetchedAt time.Time `json:"last_fetched_at"`

	// IsLive is true while pushed events are the update source.
	IsLive bool `json:"is_live"`

	// IsStale is set after too many consecutive failed fallback polls and
	// cleared by the next successful fetch.
	IsStale bool `json:"is_stale"`

	// RefreshFailed is set when the latest fetch failed. The view-model
	// shown is the last valid one.
	RefreshFailed bool   `json:"refresh_failed"`
	LastError     string `json:"last_error,omitempty"`

	// ConsecutiveFailures counts failed fallback polls in a row.
	ConsecutiveFailures int `json:"consecutive_failures"`

	err error
}

// Err returns the error behind RefreshFailed or IsStale.
func (f Freshness) Err() error {
	return f.err
}

// Snapshot is an immutable copy of a session's published state.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	Epoch     uint64         `json:"epoch"`
	Range     window.Range   `json:"range"`
	Windows   domain.Windows `json:"windows"`
	DomainIDs []string       `json:"domain_ids"`

	Filters  domain.FilterSet `json:"filters"`
	Compiled filter.Compiled  `json:"compiled"`

	// Loading is true while the first fetch of the current epoch runs.
	Loading bool `json:"loading"`

	// Truncated is true when the last fetch hit the max-total cutoff.
	Truncated bool `json:"truncated"`

	// ViewModel is nil until a fetch has succeeded.
	ViewModel *aggregate.ViewModel `json:"view_model"`

	CriticalAlerts   []domain.Violation `json:"critical_alerts"`
	RecentViolations []domain.Violation `json:"recent_violations"`

	Link      live.State `json:"link"`
	Freshness Freshness  `json:"freshness"`

	// Violations is the effective record set behind ViewModel, most recent
	// first, with the residual filter applied.
	Violations []domain.Violation `json:"-"`

	// WorkingSetSize counts records held before the residual filter.
	WorkingSetSize int `json:"working_set_size"`

	next chan struct{}
}

// Changed is closed when a newer snapshot is published.
func (s *Snapshot) Changed() <-chan struct{} {
	return s.next
}

// Loaded reports whether the current epoch has completed a fetch attempt.
func (s *Snapshot) Loaded() bool {
	return !s.Loading
}
