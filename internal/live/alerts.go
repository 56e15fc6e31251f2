package live

import "github.com/DukeRupert/ppewatch/internal/domain"

// AlertList is a bounded most-recent-first list of violations.
//
// Push prepends a record whose ID is not yet present and evicts from the
// tail once the list holds more than Cap entries. A record already present
// is dropped without changing the order. Eviction forgets the ID, so an
// evicted record may be pushed again later.
type AlertList struct {
	cap   int
	items []domain.Violation
	index map[string]struct{}
}

// NewAlertList creates a list holding at most cap entries.
func NewAlertList(cap int) *AlertList {
	if cap < 1 {
		cap = 1
	}
	return &AlertList{
		cap:   cap,
		items: make([]domain.Violation, 0, cap+1),
		index: make(map[string]struct{}, cap+1),
	}
}

// Cap returns the maximum length.
func (l *AlertList) Cap() int {
	return l.cap
}

// Len returns the current length.
func (l *AlertList) Len() int {
	return len(l.items)
}

// Push prepends v. It returns false for duplicates.
func (l *AlertList) Push(v domain.Violation) bool {
	if _, ok := l.index[v.ID]; ok {
		return false
	}

	l.items = append(l.items, domain.Violation{})
	copy(l.items[1:], l.items)
	l.items[0] = v
	l.index[v.ID] = struct{}{}

	for len(l.items) > l.cap {
		oldest := l.items[len(l.items)-1]
		delete(l.index, oldest.ID)
		l.items = l.items[:len(l.items)-1]
	}
	return true
}

// Items returns a copy of the entries, most recent first.
func (l *AlertList) Items() []domain.Violation {
	out := make([]domain.Violation, len(l.items))
	copy(out, l.items)
	return out
}

// Reset empties the list.
func (l *AlertList) Reset() {
	l.items = l.items[:0]
	clear(l.index)
}
