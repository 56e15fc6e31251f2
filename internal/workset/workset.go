// Package workset holds the de-duplicated violation records for one
// dashboard session.
package workset

import (
	"sort"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// Set is a de-duplicated collection of violations keyed by ID and kept in
// most-recent-first order (timestamp descending, then ID ascending).
//
// A Set only grows: an ID that is already present is never replaced or
// moved. When Cap is exceeded the oldest records are evicted.
//
// Set is not safe for concurrent use; the engine owns it on a single
// goroutine.
type Set struct {
	cap   int
	items []domain.Violation
	index map[string]struct{}
}

// New creates an empty Set. A cap of zero or less means unbounded.
func New(cap int) *Set {
	return &Set{
		cap:   cap,
		index: make(map[string]struct{}),
	}
}

// Len returns the number of records.
func (s *Set) Len() int {
	return len(s.items)
}

// Contains reports whether a record with the given ID is present.
func (s *Set) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add inserts v if its ID is new. It returns false for duplicates and for
// records that would be evicted immediately because they are older than
// everything in a full set.
func (s *Set) Add(v domain.Violation) bool {
	if _, ok := s.index[v.ID]; ok {
		return false
	}

	i := sort.Search(len(s.items), func(i int) bool {
		return newer(v, s.items[i])
	})

	if s.cap > 0 && len(s.items) >= s.cap && i == len(s.items) {
		return false
	}

	s.items = append(s.items, domain.Violation{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = v
	s.index[v.ID] = struct{}{}

	s.evict()
	return true
}

// Union adds every record not already present and returns the ones that
// were added, in the order they were given.
func (s *Set) Union(records []domain.Violation) []domain.Violation {
	added := make([]domain.Violation, 0, len(records))
	for _, v := range records {
		if s.Add(v) {
			added = append(added, v)
		}
	}
	// Later additions may have evicted earlier ones.
	kept := added[:0]
	for _, v := range added {
		if s.Contains(v.ID) {
			kept = append(kept, v)
		}
	}
	return kept
}

// Records returns a copy of the records, most recent first.
func (s *Set) Records() []domain.Violation {
	out := make([]domain.Violation, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Set) evict() {
	if s.cap <= 0 {
		return
	}
	for len(s.items) > s.cap {
		last := s.items[len(s.items)-1]
		delete(s.index, last.ID)
		s.items = s.items[:len(s.items)-1]
	}
}

// newer reports whether a sorts before b.
func newer(a, b domain.Violation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID < b.ID
}
