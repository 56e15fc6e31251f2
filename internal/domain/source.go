package domain

import (
	"context"
	"encoding/json"
	"time"
)

// MaxPageSize is the backend's hard cap on violations returned per query.
// Requesting more is a programming error.
const MaxPageSize = 100

// =============================================================================
// Query Contract
// =============================================================================

// ViolationQuery carries the single-valued filters the backend accepts.
// Empty fields are unrestricted.
type ViolationQuery struct {
	DomainID  string
	CameraID  string
	PPEType   PPEType
	Severity  Severity
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Skip      int
}

// Validate rejects queries that break the backend contract.
func (q ViolationQuery) Validate() error {
	const op = "violation.query"

	if q.Limit < 1 || q.Limit > MaxPageSize {
		return Configuration(op, "limit must be between 1 and the backend page cap")
	}
	if q.Skip < 0 {
		return Configuration(op, "skip must not be negative")
	}
	return nil
}

// ViolationPage is one page of query results in server order.
type ViolationPage struct {
	Items []Violation `json:"items"`
	Total int         `json:"total"`
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// ViolationQuerier answers paged violation queries.
type ViolationQuerier interface {
	QueryViolations(ctx context.Context, q ViolationQuery) (ViolationPage, error)
}

// StatisticsProvider returns backend summary statistics. Start and end may be
// nil for an unbounded range.
type StatisticsProvider interface {
	GetStatistics(ctx context.Context, domainID string, start, end *time.Time) (*Statistics, error)
}

// Catalog lists cameras and domains for labeling.
type Catalog interface {
	ListCameras(ctx context.Context, domainID string) ([]Camera, error)
	ListDomains(ctx context.Context) ([]Domain, error)
}

// Subscriber opens a push subscription scoped to the given domains.
type Subscriber interface {
	Subscribe(ctx context.Context, domainIDs []string) (Subscription, error)
}

// Subscription is a live push channel. Unsubscribe is idempotent and closes
// the Events channel.
type Subscription interface {
	Events() <-chan PushEvent
	Unsubscribe() error
}

// =============================================================================
// Push Events
// =============================================================================

// PushEventType tags a PushEvent.
type PushEventType string

const (
	// PushViolation carries a violation record in Payload.
	PushViolation PushEventType = "violation"

	// PushConnected signals the channel is up and delivering events.
	PushConnected PushEventType = "connected"

	// PushDisconnected signals the channel dropped. Err holds the cause.
	PushDisconnected PushEventType = "disconnected"
)

// PushEvent is one item on a subscription's event stream. Payloads stay raw
// so that a malformed record can be rejected by the consumer without taking
// the transport down.
type PushEvent struct {
	Type    PushEventType
	Payload json.RawMessage
	Err     error
	At      time.Time
}
