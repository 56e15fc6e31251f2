package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// Granularity selects the trend bucket size.
type Granularity string

const (
	Daily   Granularity = "day"
	Weekly  Granularity = "week"
	Monthly Granularity = "month"
)

// ParseGranularity converts a token into a Granularity. Empty input yields
// an empty Granularity, meaning "pick a default for the range".
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case "", Daily, Weekly, Monthly:
		return g, nil
	}
	return "", domain.Invalid("window.granularity", fmt.Sprintf("unknown granularity %q", s))
}

// DefaultGranularity picks a bucket size that keeps trend charts readable.
func DefaultGranularity(w domain.TimeWindow) Granularity {
	days := w.Duration().Hours() / 24
	switch {
	case days > 120:
		return Monthly
	case days > 45:
		return Weekly
	default:
		return Daily
	}
}

// BucketStart returns the first instant of the bucket containing t, in t's
// location. Weeks start on Monday as in ISO 8601.
func BucketStart(t time.Time, g Granularity) time.Time {
	day := StartOfDay(t)
	switch g {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
	default:
		return day
	}
}

// BucketKey formats the bucket containing t: an ISO date for days and weeks
// (the week's Monday) and year-month for months.
func BucketKey(t time.Time, g Granularity) string {
	start := BucketStart(t, g)
	if g == Monthly {
		return start.Format("2006-01")
	}
	return start.Format("2006-01-02")
}
