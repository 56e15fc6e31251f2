package domain

import "time"

// =============================================================================
// Time Windows
// =============================================================================

// TimeWindow is an inclusive [Start, End] interval. Windows produced by the
// resolver end at 23:59:59.999 local time.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t lies within the window, both ends inclusive.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// IsValid reports whether Start precedes End.
func (w TimeWindow) IsValid() bool {
	return !w.Start.IsZero() && w.Start.Before(w.End)
}

// Windows pairs the active window with the equal-length window immediately
// before it. Previous is only used for period-over-period comparison.
type Windows struct {
	Current  TimeWindow `json:"current"`
	Previous TimeWindow `json:"previous"`
}

// =============================================================================
// Filter Set
// =============================================================================

// FilterSet is the user's multi-select filter. An empty slice for a dimension
// means no restriction on that dimension.
type FilterSet struct {
	DomainIDs  []string   `json:"domain_ids,omitempty"`
	CameraIDs  []string   `json:"camera_ids,omitempty"`
	PPETypes   []PPEType  `json:"ppe_types,omitempty"`
	Severities []Severity `json:"severities,omitempty"`
	Statuses   []Status   `json:"statuses,omitempty"`
}

// Matches evaluates the full filter against a record: OR within a dimension,
// AND across dimensions. For PPE types a record matches when any of its
// missing items is selected.
func (f FilterSet) Matches(v Violation) bool {
	if len(f.DomainIDs) > 0 && !containsString(f.DomainIDs, v.DomainID) {
		return false
	}
	if len(f.CameraIDs) > 0 && !containsString(f.CameraIDs, v.CameraID) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, v.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, v.Status) {
		return false
	}
	if len(f.PPETypes) > 0 {
		matched := false
		for _, t := range f.PPETypes {
			if v.HasPPE(t) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(values []string, s string) bool {
	return contains(values, s)
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Validate rejects unknown enumeration values.
func (f FilterSet) Validate() error {
	const op = "filter.validate"

	for _, s := range f.Severities {
		if !s.IsValid() {
			return Invalid(op, "unknown severity: "+string(s))
		}
	}
	for _, s := range f.Statuses {
		if !s.IsValid() {
			return Invalid(op, "unknown status: "+string(s))
		}
	}
	for _, t := range f.PPETypes {
		if t == "" {
			return Invalid(op, "empty ppe type")
		}
	}
	return nil
}
