// Package filter compiles a multi-select FilterSet into the single-valued
// parameters the violation query endpoint accepts plus a client-side
// residual predicate for everything it cannot express.
//
// Every selection is enforced exactly once: a dimension with one value goes
// to the server, a dimension with two or more values goes to the residual,
// and an empty (or fully selected) dimension is unrestricted.
package filter

import (
	"sort"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// ServerParams are the equality filters sent with every page request.
// Empty fields are unrestricted.
type ServerParams struct {
	DomainID string          `json:"domain_id,omitempty"`
	CameraID string          `json:"camera_id,omitempty"`
	PPEType  domain.PPEType  `json:"ppe_type,omitempty"`
	Severity domain.Severity `json:"severity,omitempty"`
	Status   domain.Status   `json:"status,omitempty"`
}

// Matches reports whether a record satisfies every server-side equality
// filter, using the same semantics as the backend.
func (p ServerParams) Matches(v domain.Violation) bool {
	if p.DomainID != "" && v.DomainID != p.DomainID {
		return false
	}
	if p.CameraID != "" && v.CameraID != p.CameraID {
		return false
	}
	if p.PPEType != "" && !v.HasPPE(p.PPEType) {
		return false
	}
	if p.Severity != "" && v.Severity != p.Severity {
		return false
	}
	if p.Status != "" && v.Status != p.Status {
		return false
	}
	return true
}

// Query builds a page request for the given window.
func (p ServerParams) Query(w domain.TimeWindow, limit, skip int) domain.ViolationQuery {
	return domain.ViolationQuery{
		DomainID:  p.DomainID,
		CameraID:  p.CameraID,
		PPEType:   p.PPEType,
		Severity:  p.Severity,
		Status:    p.Status,
		StartTime: w.Start,
		EndTime:   w.End,
		Limit:     limit,
		Skip:      skip,
	}
}

// Predicate is a client-side record filter.
type Predicate func(domain.Violation) bool

// Apply returns the records accepted by p, preserving order. A nil
// predicate accepts everything. The input slice is never modified.
func (p Predicate) Apply(records []domain.Violation) []domain.Violation {
	if p == nil {
		out := make([]domain.Violation, len(records))
		copy(out, records)
		return out
	}
	out := make([]domain.Violation, 0, len(records))
	for _, v := range records {
		if p(v) {
			out = append(out, v)
		}
	}
	return out
}

// Universe lists every selectable option per dimension. A dimension whose
// selection covers its whole universe is treated as unrestricted. Nil
// slices mean the universe is unknown, so no such collapsing happens.
type Universe struct {
	DomainIDs  []string
	CameraIDs  []string
	PPETypes   []domain.PPEType
	Severities []domain.Severity
	Statuses   []domain.Status
}

// DefaultUniverse knows the fixed enumerations but not cameras or domains.
func DefaultUniverse() Universe {
	return Universe{
		PPETypes:   domain.KnownPPETypes,
		Severities: domain.AllSeverities,
		Statuses:   domain.AllStatuses,
	}
}

// Compiled is the output of Compile.
type Compiled struct {
	Server ServerParams `json:"server"`

	// Residual is nil when the server parameters express the whole filter.
	Residual Predicate `json:"-"`

	// ResidualDimensions names the dimensions enforced client-side.
	ResidualDimensions []string `json:"residual_dimensions,omitempty"`
}

// Matches applies both halves of the compiled filter.
func (c Compiled) Matches(v domain.Violation) bool {
	if !c.Server.Matches(v) {
		return false
	}
	return c.Residual == nil || c.Residual(v)
}

// Compile splits a FilterSet into server parameters and a residual predicate.
func Compile(fs domain.FilterSet, u Universe) Compiled {
	var (
		out   Compiled
		tests []Predicate
	)

	domains := normalize(fs.DomainIDs, u.DomainIDs)
	switch len(domains) {
	case 0:
	case 1:
		out.Server.DomainID = domains[0]
	default:
		set := toSet(domains)
		tests = append(tests, func(v domain.Violation) bool { _, ok := set[v.DomainID]; return ok })
		out.ResidualDimensions = append(out.ResidualDimensions, "domain")
	}

	cameras := normalize(fs.CameraIDs, u.CameraIDs)
	switch len(cameras) {
	case 0:
	case 1:
		out.Server.CameraID = cameras[0]
	default:
		set := toSet(cameras)
		tests = append(tests, func(v domain.Violation) bool { _, ok := set[v.CameraID]; return ok })
		out.ResidualDimensions = append(out.ResidualDimensions, "camera")
	}

	ppe := normalize(fs.PPETypes, u.PPETypes)
	switch len(ppe) {
	case 0:
	case 1:
		out.Server.PPEType = ppe[0]
	default:
		set := toSet(ppe)
		tests = append(tests, func(v domain.Violation) bool {
			for _, m := range v.MissingPPE {
				if _, ok := set[m.Type]; ok {
					return true
				}
			}
			return false
		})
		out.ResidualDimensions = append(out.ResidualDimensions, "ppe_type")
	}

	severities := normalize(fs.Severities, u.Severities)
	switch len(severities) {
	case 0:
	case 1:
		out.Server.Severity = severities[0]
	default:
		set := toSet(severities)
		tests = append(tests, func(v domain.Violation) bool { _, ok := set[v.Severity]; return ok })
		out.ResidualDimensions = append(out.ResidualDimensions, "severity")
	}

	statuses := normalize(fs.Statuses, u.Statuses)
	switch len(statuses) {
	case 0:
	case 1:
		out.Server.Status = statuses[0]
	default:
		set := toSet(statuses)
		tests = append(tests, func(v domain.Violation) bool { _, ok := set[v.Status]; return ok })
		out.ResidualDimensions = append(out.ResidualDimensions, "status")
	}

	if len(tests) > 0 {
		out.Residual = func(v domain.Violation) bool {
			for _, test := range tests {
				if !test(v) {
					return false
				}
			}
			return true
		}
	}

	return out
}

// normalize removes duplicates and empty values, and clears the selection
// when it covers the entire universe.
func normalize[T ~string](selected, universe []T) []T {
	if len(selected) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(selected))
	out := make([]T, 0, len(selected))
	for _, s := range selected {
		if s == "" {
			continue
		}
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	if len(universe) > 0 && len(out) >= len(universe) {
		all := true
		for _, u := range universe {
			if _, ok := set[u]; !ok {
				all = false
				break
			}
		}
		if all {
			return nil
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toSet[T comparable](values []T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
