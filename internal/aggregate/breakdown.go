// Package aggregate derives dashboard figures from a set of violation
// records. Every function here is pure: inputs are never modified and the
// same inputs always produce the same output.
package aggregate

import (
	"sort"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
)

// TopN is the length of the "riskiest cameras/domains" lists.
const TopN = 5

// BreakdownItem is one row of a breakdown table.
type BreakdownItem struct {
	Key        string  `json:"key"`
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Breakdown counts records per key, computes each key's share of the total
// and sorts by count descending, then key ascending. A key function may
// return several keys for one record (PPE types); the total is then the
// sum of all counts so that percentages add up to 100.
func Breakdown(records []domain.Violation, keys func(domain.Violation) []string, labels Labeler) []BreakdownItem {
	counts := make(map[string]int)
	total := 0
	for _, v := range records {
		for _, k := range keys(v) {
			counts[k]++
			total++
		}
	}

	items := make([]BreakdownItem, 0, len(counts))
	for k, c := range counts {
		items = append(items, BreakdownItem{
			Key:        k,
			Label:      labelFor(labels, k),
			Count:      c,
			Percentage: Percentage(c, total),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Key < items[j].Key
	})
	return items
}

func labelFor(labels Labeler, key string) string {
	if labels == nil {
		return key
	}
	return labels.Label(key)
}

// Top returns at most n leading items. The input is not modified.
func Top(items []BreakdownItem, n int) []BreakdownItem {
	if len(items) <= n {
		return append([]BreakdownItem(nil), items...)
	}
	return append([]BreakdownItem(nil), items[:n]...)
}

// Percentage returns count/total*100, or 0 when total is 0.
func Percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

// Key functions for the standard breakdown dimensions.

func ByPPEType(v domain.Violation) []string {
	types := v.PPETypes()
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = string(t)
	}
	return keys
}

func BySeverity(v domain.Violation) []string { return []string{string(v.Severity)} }

func ByStatus(v domain.Violation) []string { return []string{string(v.Status)} }

func ByCamera(v domain.Violation) []string { return []string{v.CameraID} }

func ByDomain(v domain.Violation) []string { return []string{v.DomainID} }

// HourlyDistribution counts records per hour of day (0-23) in loc.
func HourlyDistribution(records []domain.Violation, loc *time.Location) [24]int {
	var hours [24]int
	for _, v := range records {
		hours[v.Timestamp.In(loc).Hour()]++
	}
	return hours
}

// PeakHour returns the busiest hour of day, preferring the earliest on ties,
// and -1 when there are no records.
func PeakHour(hours [24]int) int {
	peak, best := -1, 0
	for h, c := range hours {
		if c > best {
			peak, best = h, c
		}
	}
	return peak
}
