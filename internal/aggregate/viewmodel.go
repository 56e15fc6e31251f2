package aggregate

import (
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/window"
)

// Input is everything a view-model is derived from.
type Input struct {
	// Current holds the working set for the active window.
	Current []domain.Violation

	// Previous holds the records of the comparison window.
	Previous []domain.Violation

	// Residual filters both record sets at read time. Nil keeps all.
	Residual filter.Predicate

	Windows     domain.Windows
	Granularity window.Granularity
	Location    *time.Location

	// Stats are the backend statistics per window, nil when unavailable.
	CurrentStats  *domain.Statistics
	PreviousStats *domain.Statistics

	Compliance ComplianceConfig

	// CameraNames and DomainNames label the camera and domain breakdowns.
	CameraNames Names
	DomainNames Names
}

// ViewModel is the derived dashboard state. It is rebuilt from scratch on
// every change, never patched.
type ViewModel struct {
	Windows     domain.Windows     `json:"windows"`
	Granularity window.Granularity `json:"granularity"`

	Totals         Totals `json:"totals"`
	PreviousTotals Totals `json:"previous_totals"`
	KPIs           []KPI  `json:"kpis"`

	Compliance         Compliance `json:"compliance"`
	PreviousCompliance Compliance `json:"previous_compliance"`

	Trend []TrendBucket `json:"trend"`

	ByPPEType  []BreakdownItem `json:"by_ppe_type"`
	BySeverity []BreakdownItem `json:"by_severity"`
	ByStatus   []BreakdownItem `json:"by_status"`
	ByCamera   []BreakdownItem `json:"by_camera"`
	ByDomain   []BreakdownItem `json:"by_domain"`
	TopCameras []BreakdownItem `json:"top_cameras"`
	TopDomains []BreakdownItem `json:"top_domains"`

	Hourly   [24]int `json:"hourly"`
	PeakHour int     `json:"peak_hour"`
}

// Build derives a ViewModel. Neither input slice is modified.
func Build(in Input) ViewModel {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	g := in.Granularity
	if g == "" {
		g = window.DefaultGranularity(in.Windows.Current)
	}

	current := in.Residual.Apply(in.Current)
	previous := in.Residual.Apply(in.Previous)

	totals := Count(current)
	prevTotals := Count(previous)

	// Backend statistics ignore the residual filter, so their rate is
	// only authoritative when no client-side filtering is in effect.
	currentStats, previousStats := in.CurrentStats, in.PreviousStats
	if in.Residual != nil {
		currentStats, previousStats = nil, nil
	}
	compliance := ComputeCompliance(totals.Total, currentStats, in.Compliance)
	prevCompliance := ComputeCompliance(prevTotals.Total, previousStats, in.Compliance)

	byCamera := Breakdown(current, ByCamera, in.CameraNames)
	byDomain := Breakdown(current, ByDomain, in.DomainNames)
	hourly := HourlyDistribution(current, loc)

	return ViewModel{
		Windows:            in.Windows,
		Granularity:        g,
		Totals:             totals,
		PreviousTotals:     prevTotals,
		KPIs:               KPIs(totals, prevTotals, compliance, prevCompliance),
		Compliance:         compliance,
		PreviousCompliance: prevCompliance,
		Trend:              Trend(current, g, loc),
		ByPPEType:          Breakdown(current, ByPPEType, Humanize{}),
		BySeverity:         Breakdown(current, BySeverity, Humanize{}),
		ByStatus:           Breakdown(current, ByStatus, Humanize{}),
		ByCamera:           byCamera,
		ByDomain:           byDomain,
		TopCameras:         Top(byCamera, TopN),
		TopDomains:         Top(byDomain, TopN),
		Hourly:             hourly,
		PeakHour:           PeakHour(hourly),
	}
}
