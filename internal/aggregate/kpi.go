package aggregate

import (
	"math"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// Direction is the trend arrow of a KPI.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// StableThreshold is the percent change below which a KPI counts as stable.
const StableThreshold = 1.0

// Delta is a period-over-period change. Value is the magnitude of the
// percent change; Direction carries the sign.
type Delta struct {
	Value     float64   `json:"value"`
	Direction Direction `json:"direction"`
}

// ComputeDelta compares current against previous.
//
// With no previous activity there is no meaningful ratio: any current
// activity is reported as up by 100, otherwise stable at 0.
func ComputeDelta(current, previous float64) Delta {
	if previous == 0 {
		if current > 0 {
			return Delta{Value: 100, Direction: DirectionUp}
		}
		return Delta{Value: 0, Direction: DirectionStable}
	}

	change := (current - previous) / previous * 100
	d := Delta{Value: math.Abs(change)}
	switch {
	case math.Abs(change) < StableThreshold:
		d.Direction = DirectionStable
	case change > 0:
		d.Direction = DirectionUp
	default:
		d.Direction = DirectionDown
	}
	return d
}

// KPI is one headline figure with its comparison.
type KPI struct {
	Name     string  `json:"name"`
	Current  float64 `json:"current"`
	Previous float64 `json:"previous"`
	Delta    Delta   `json:"delta"`
}

func newKPI(name string, current, previous float64) KPI {
	return KPI{
		Name:     name,
		Current:  current,
		Previous: previous,
		Delta:    ComputeDelta(current, previous),
	}
}

// KPI names.
const (
	KPITotalViolations    = "total_violations"
	KPICriticalViolations = "critical_violations"
	KPIOpenViolations     = "open_violations"
	KPIResolutionRate     = "resolution_rate"
	KPIComplianceRate     = "compliance_rate"
	KPIAverageConfidence  = "average_confidence"
)

// Totals are the raw counts behind the KPIs for one window.
type Totals struct {
	Total             int     `json:"total"`
	Critical          int     `json:"critical"`
	High              int     `json:"high"`
	Medium            int     `json:"medium"`
	Low               int     `json:"low"`
	Open              int     `json:"open"`
	Resolved          int     `json:"resolved"`
	AverageConfidence float64 `json:"average_confidence"`
}

// ResolutionRate is the share of records closed or marked false positive.
func (t Totals) ResolutionRate() float64 {
	return Percentage(t.Resolved, t.Total)
}

// Count summarizes records.
func Count(records []domain.Violation) Totals {
	var (
		t          Totals
		confidence float64
	)
	for _, v := range records {
		t.Total++
		switch v.Severity {
		case domain.SeverityCritical:
			t.Critical++
		case domain.SeverityHigh:
			t.High++
		case domain.SeverityMedium:
			t.Medium++
		case domain.SeverityLow:
			t.Low++
		}
		if v.Status.IsActive() {
			t.Open++
		}
		if v.Status.IsResolved() {
			t.Resolved++
		}
		confidence += v.Confidence
	}
	if t.Total > 0 {
		t.AverageConfidence = confidence / float64(t.Total)
	}
	return t
}

// KPIs builds the headline figures for current vs previous.
func KPIs(current, previous Totals, currentCompliance, previousCompliance Compliance) []KPI {
	return []KPI{
		newKPI(KPITotalViolations, float64(current.Total), float64(previous.Total)),
		newKPI(KPICriticalViolations, float64(current.Critical), float64(previous.Critical)),
		newKPI(KPIOpenViolations, float64(current.Open), float64(previous.Open)),
		newKPI(KPIResolutionRate, current.ResolutionRate(), previous.ResolutionRate()),
		newKPI(KPIComplianceRate, currentCompliance.Rate, previousCompliance.Rate),
		newKPI(KPIAverageConfidence, current.AverageConfidence, previous.AverageConfidence),
	}
}
