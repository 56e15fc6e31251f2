// Package domain contains core business types and interfaces.
//
// This file defines the Violation record produced by the camera detection
// pipeline: a snapshot of one missing-PPE event for a tracked person.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Violation Severity
// =============================================================================

// Severity represents the severity level of a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities lists every recognized severity, lowest first.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid returns true if the severity is a recognized value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight returns a numeric weight for sorting by severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// =============================================================================
// Violation Status
// =============================================================================

// Status represents the review state of a violation.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInProgress    Status = "in_progress"
	StatusClosed        Status = "closed"
	StatusFalsePositive Status = "false_positive"
)

// AllStatuses lists every recognized status.
var AllStatuses = []Status{StatusOpen, StatusInProgress, StatusClosed, StatusFalsePositive}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed, StatusFalsePositive:
		return true
	}
	return false
}

// IsActive reports whether the violation still needs attention.
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusInProgress
}

// IsResolved reports whether the violation has been dealt with, either by
// closing it or by marking it a false positive.
func (s Status) IsResolved() bool {
	return s == StatusClosed || s == StatusFalsePositive
}

// =============================================================================
// PPE Types
// =============================================================================

// PPEType identifies a piece of personal protective equipment.
type PPEType string

const (
	PPEHardHat       PPEType = "hard_hat"
	PPESafetyVest    PPEType = "safety_vest"
	PPESafetyGlasses PPEType = "safety_glasses"
	PPEGloves        PPEType = "gloves"
	PPESafetyBoots   PPEType = "safety_boots"
	PPEMask          PPEType = "mask"
	PPEEarProtection PPEType = "ear_protection"
	PPEHarness       PPEType = "harness"
)

// KnownPPETypes lists the PPE types the detection pipeline reports.
var KnownPPETypes = []PPEType{
	PPEHardHat, PPESafetyVest, PPESafetyGlasses, PPEGloves,
	PPESafetyBoots, PPEMask, PPEEarProtection, PPEHarness,
}

// MissingPPE is one item of equipment the person was not wearing.
type MissingPPE struct {
	Type     PPEType `json:"type"`
	Required bool    `json:"required"`
	Priority int     `json:"priority"`
}

// =============================================================================
// Violation Domain Type
// =============================================================================

// Violation is an immutable snapshot of one detected PPE non-compliance event.
//
// Records are created by the ingestion pipeline and only ever change through
// explicit status updates made elsewhere. Within a dashboard session they are
// treated as append-only.
type Violation struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	DomainID   string       `json:"domain_id"`
	CameraID   string       `json:"camera_id"`
	Severity   Severity     `json:"severity"`
	Status     Status       `json:"status"`
	MissingPPE []MissingPPE `json:"missing_ppe"`
	Confidence float64      `json:"confidence"`
}

// PPETypes returns the distinct missing PPE types in the order reported.
func (v *Violation) PPETypes() []PPEType {
	types := make([]PPEType, 0, len(v.MissingPPE))
	seen := make(map[PPEType]struct{}, len(v.MissingPPE))
	for _, m := range v.MissingPPE {
		if _, ok := seen[m.Type]; ok {
			continue
		}
		seen[m.Type] = struct{}{}
		types = append(types, m.Type)
	}
	return types
}

// HasPPE reports whether the given PPE type is among the missing items.
func (v *Violation) HasPPE(t PPEType) bool {
	for _, m := range v.MissingPPE {
		if m.Type == t {
			return true
		}
	}
	return false
}

// IsCritical returns true for critical-severity violations.
func (v *Violation) IsCritical() bool {
	return v.Severity == SeverityCritical
}

// Validate checks the invariants a record must satisfy before it may enter a
// working set.
func (v *Violation) Validate() error {
	const op = "violation.validate"

	if strings.TrimSpace(v.ID) == "" {
		return Invalid(op, "id is required")
	}
	if v.Timestamp.IsZero() {
		return Invalid(op, "timestamp is required")
	}
	if v.DomainID == "" {
		return Invalid(op, "domain_id is required")
	}
	if !v.Severity.IsValid() {
		return Invalid(op, fmt.Sprintf("invalid severity: %q", v.Severity))
	}
	if !v.Status.IsValid() {
		return Invalid(op, fmt.Sprintf("invalid status: %q", v.Status))
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return Invalid(op, fmt.Sprintf("confidence out of range: %v", v.Confidence))
	}
	return nil
}

// DecodeViolation parses a JSON payload into a validated Violation.
func DecodeViolation(data []byte) (Violation, error) {
	const op = "violation.decode"

	var v Violation
	if err := json.Unmarshal(data, &v); err != nil {
		return Violation{}, Wrap(err, EINVALID, op, "malformed violation payload")
	}
	if err := v.Validate(); err != nil {
		return Violation{}, err
	}
	return v, nil
}

// =============================================================================
// Cameras and Domains
// =============================================================================

// Camera is a detection source within a domain. Used for labeling.
type Camera struct {
	ID       string `json:"id"`
	DomainID string `json:"domain_id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// Domain is a monitored site or area. Used for labeling.
type Domain struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// Statistics
// =============================================================================

// Statistics is the backend's summary for a domain and time range.
//
// ComplianceRate is nil when the backend has no detection totals to derive it
// from; consumers then fall back to an estimate.
type Statistics struct {
	Total          int             `json:"total"`
	Critical       int             `json:"critical"`
	High           int             `json:"high"`
	Medium         int             `json:"medium"`
	Low            int             `json:"low"`
	ByPPEType      map[PPEType]int `json:"by_ppe_type"`
	ComplianceRate *float64        `json:"compliance_rate,omitempty"`
}
