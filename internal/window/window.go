// Package window resolves symbolic date ranges into concrete, day-aligned
// time windows for the dashboard.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// Resolution is the smallest time unit windows are expressed in. A previous
// window ends exactly one Resolution before the current window starts.
const Resolution = time.Millisecond

// Range is a symbolic range selector.
type Range string

const (
	Range7d     Range = "7d"
	Range30d    Range = "30d"
	Range90d    Range = "90d"
	RangeCustom Range = "custom"
)

// DefaultRange is used when a custom range has no usable window.
const DefaultRange = Range30d

// ParseRange converts a token into a Range.
func ParseRange(s string) (Range, error) {
	r := Range(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case Range7d, Range30d, Range90d, RangeCustom:
		return r, nil
	}
	return "", domain.Invalid("window.parse", fmt.Sprintf("unknown range %q", s))
}

// Days returns the number of calendar days covered by a fixed range, or 0
// for custom.
func (r Range) Days() int {
	switch r {
	case Range7d:
		return 7
	case Range30d:
		return 30
	case Range90d:
		return 90
	}
	return 0
}

// Resolve turns a range into the current window and the contiguous previous
// window of identical duration.
//
// Fixed ranges end at the end of now's day and start at midnight N-1 days
// earlier. Custom uses the supplied window with both ends widened to whole
// days; a missing or inverted custom window falls back to DefaultRange.
// All boundaries are computed in now's location.
func Resolve(r Range, now time.Time, custom *domain.TimeWindow) domain.Windows {
	var current domain.TimeWindow

	switch {
	case r == RangeCustom && custom != nil && custom.IsValid():
		current = domain.TimeWindow{
			Start: StartOfDay(custom.Start.In(now.Location())),
			End:   EndOfDay(custom.End.In(now.Location())),
		}
	case r.Days() > 0:
		current = lastDays(now, r.Days())
	default:
		current = lastDays(now, DefaultRange.Days())
	}

	return domain.Windows{
		Current:  current,
		Previous: Previous(current),
	}
}

// Previous returns the window of equal duration ending one Resolution
// before w starts.
func Previous(w domain.TimeWindow) domain.TimeWindow {
	end := w.Start.Add(-Resolution)
	return domain.TimeWindow{
		Start: end.Add(-w.Duration()),
		End:   end,
	}
}

func lastDays(now time.Time, days int) domain.TimeWindow {
	return domain.TimeWindow{
		Start: StartOfDay(now.AddDate(0, 0, -(days - 1))),
		End:   EndOfDay(now),
	}
}

// StartOfDay returns 00:00:00.000 of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns 23:59:59.999 of t's day in t's location.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-Resolution)
}
