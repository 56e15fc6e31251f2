// Package live folds real-time violation events into a session's working
// set and keeps the bounded alert lists consumed by the UI.
//
// Nothing in this package is safe for concurrent use. The engine calls it
// from its single update loop.
package live

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/metrics"
	"github.com/DukeRupert/ppewatch/internal/workset"
)

// Outcome is the result of merging one pushed record.
type Outcome string

const (
	OutcomeAdded       Outcome = "added"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeOutOfScope  Outcome = "out_of_scope"
	OutcomeOutOfWindow Outcome = "out_of_window"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeMalformed   Outcome = "malformed"
)

// Scope is what the session is currently subscribed to. Records outside it
// never enter the working set.
type Scope struct {
	// DomainIDs limits accepted domains. Empty accepts every domain.
	DomainIDs []string
	Window    domain.TimeWindow
	Server    filter.ServerParams
}

// Config sets the alert list sizes.
type Config struct {
	// CriticalCap bounds the critical-alert list.
	// Default: 10
	CriticalCap int

	// LogCap bounds the general violation log.
	// Default: 20
	LogCap int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{CriticalCap: 10, LogCap: 20}
}

// Merger applies pushed and fetched records to a working set.
type Merger struct {
	set      *workset.Set
	scope    Scope
	domains  map[string]struct{}
	critical *AlertList
	log      *AlertList
	logger   *slog.Logger
}

// NewMerger creates a Merger over set.
func NewMerger(set *workset.Set, scope Scope, cfg Config, logger *slog.Logger) *Merger {
	domains := make(map[string]struct{}, len(scope.DomainIDs))
	for _, id := range scope.DomainIDs {
		domains[id] = struct{}{}
	}
	return &Merger{
		set:      set,
		scope:    scope,
		domains:  domains,
		critical: NewAlertList(cfg.CriticalCap),
		log:      NewAlertList(cfg.LogCap),
		logger:   logger,
	}
}

// MergePayload decodes and merges one pushed record. A malformed payload is
// logged and dropped; it never reaches the working set.
func (m *Merger) MergePayload(payload json.RawMessage) (domain.Violation, Outcome) {
	v, err := domain.DecodeViolation(payload)
	if err != nil {
		m.logger.Warn("dropping malformed push event", "error", err, "bytes", len(payload))
		metrics.PushEvent(string(OutcomeMalformed))
		return domain.Violation{}, OutcomeMalformed
	}
	return v, m.Merge(v)
}

// Merge adds a pushed record if it is in scope and new. Duplicates are
// idempotent notifications and leave everything untouched.
func (m *Merger) Merge(v domain.Violation) Outcome {
	outcome := m.merge(v)
	metrics.PushEvent(string(outcome))
	if outcome != OutcomeAdded {
		m.logger.Debug("push event not merged", "violation_id", v.ID, "outcome", outcome)
	}
	return outcome
}

func (m *Merger) merge(v domain.Violation) Outcome {
	if len(m.domains) > 0 {
		if _, ok := m.domains[v.DomainID]; !ok {
			return OutcomeOutOfScope
		}
	}
	if !m.scope.Window.Contains(v.Timestamp) {
		return OutcomeOutOfWindow
	}
	if !m.scope.Server.Matches(v) {
		return OutcomeFiltered
	}
	if m.set.Contains(v.ID) {
		return OutcomeDuplicate
	}
	if !m.set.Add(v) {
		// Older than everything in a full working set.
		return OutcomeOutOfWindow
	}
	m.pushAlert(v)
	return OutcomeAdded
}

// Absorb unions fetched records into the working set. Records already
// present, whether from an earlier fetch or from push, are kept as they
// are. Newly added records are fed to the alert lists oldest first so the
// lists stay most-recent-first. It returns the number of records added.
func (m *Merger) Absorb(records []domain.Violation) int {
	added := m.set.Union(records)

	sort.SliceStable(added, func(i, j int) bool {
		return added[i].Timestamp.Before(added[j].Timestamp)
	})
	for _, v := range added {
		m.pushAlert(v)
	}
	return len(added)
}

func (m *Merger) pushAlert(v domain.Violation) {
	m.log.Push(v)
	if v.IsCritical() {
		m.critical.Push(v)
	}
}

// Critical returns the critical-alert list, most recent first.
func (m *Merger) Critical() []domain.Violation {
	return m.critical.Items()
}

// Recent returns the general violation log, most recent first.
func (m *Merger) Recent() []domain.Violation {
	return m.log.Items()
}

// Records returns the working set, most recent first.
func (m *Merger) Records() []domain.Violation {
	return m.set.Records()
}

// Len returns the working set size.
func (m *Merger) Len() int {
	return m.set.Len()
}
