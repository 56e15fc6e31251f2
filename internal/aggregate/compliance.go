package aggregate

import (
	"fmt"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// ComplianceSource says where a compliance rate came from.
type ComplianceSource string

const (
	// ComplianceMeasured is the backend's rate, computed from real
	// detection totals.
	ComplianceMeasured ComplianceSource = "backend"

	// ComplianceEstimated is derived from the violation count alone and
	// must be presented as an approximation.
	ComplianceEstimated ComplianceSource = "estimate"
)

// ComplianceConfig holds the estimate's heuristic constants. The source
// data carries no detection totals, so the total is approximated as
// max(violations*Multiplier, Floor).
type ComplianceConfig struct {
	Multiplier int
	Floor      int
}

// DefaultComplianceConfig returns Multiplier 10, Floor 100.
func DefaultComplianceConfig() ComplianceConfig {
	return ComplianceConfig{Multiplier: 10, Floor: 100}
}

// Validate checks if the configuration is valid.
func (c ComplianceConfig) Validate() error {
	if c.Multiplier < 1 {
		return domain.Configuration("compliance.config", fmt.Sprintf("multiplier must be at least 1, got %d", c.Multiplier))
	}
	if c.Floor < 1 {
		return domain.Configuration("compliance.config", fmt.Sprintf("floor must be at least 1, got %d", c.Floor))
	}
	return nil
}

// Compliance is the gauge input for the compliance widget.
type Compliance struct {
	Rate   float64          `json:"rate"`
	Source ComplianceSource `json:"source"`

	// Estimated duplicates Source == ComplianceEstimated for consumers
	// that only check a flag.
	Estimated bool `json:"estimated"`

	ViolationCount int `json:"violation_count"`

	// EstimatedTotalDetections is set only for estimates.
	EstimatedTotalDetections int `json:"estimated_total_detections,omitempty"`
}

// ComputeCompliance prefers the backend-reported rate and falls back to the
// estimate when stats is nil or carries no rate.
func ComputeCompliance(violations int, stats *domain.Statistics, cfg ComplianceConfig) Compliance {
	if stats != nil && stats.ComplianceRate != nil {
		return Compliance{
			Rate:           *stats.ComplianceRate,
			Source:         ComplianceMeasured,
			ViolationCount: violations,
		}
	}
	return EstimateCompliance(violations, cfg)
}

// EstimateCompliance approximates the compliance rate from a violation
// count: (estimatedTotal - violations) / estimatedTotal * 100.
func EstimateCompliance(violations int, cfg ComplianceConfig) Compliance {
	total := max(violations*cfg.Multiplier, cfg.Floor)
	rate := 0.0
	if total > 0 {
		rate = float64(total-violations) / float64(total) * 100
	}
	return Compliance{
		Rate:                     rate,
		Source:                   ComplianceEstimated,
		Estimated:                true,
		ViolationCount:           violations,
		EstimatedTotalDetections: total,
	}
}
