package engine

import (
	"time"

	"github.com/google/uuid"
)

// Session is the context one engine instance is created for: who is looking,
// at which domains, from which time zone. It is passed in explicitly so that
// every engine owns an isolated working set.
type Session struct {
	ID uuid.UUID

	// DomainIDs is the initial domain scope. Empty means every domain.
	DomainIDs []string

	// Location is the viewer's zone for day boundaries and bucketing.
	Location *time.Location

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewSession creates a Session with a fresh ID.
func NewSession(domainIDs []string, loc *time.Location) Session {
	if loc == nil {
		loc = time.UTC
	}
	return Session{
		ID:        uuid.New(),
		DomainIDs: append([]string(nil), domainIDs...),
		Location:  loc,
		Now:       time.Now,
	}
}

func (s Session) now() time.Time {
	if s.Now == nil {
		return time.Now().In(s.location())
	}
	return s.Now().In(s.location())
}

func (s Session) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
