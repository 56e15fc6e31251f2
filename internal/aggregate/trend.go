package aggregate

import (
	"sort"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/window"
)

// TrendBucket is one point of the violation trend series.
type TrendBucket struct {
	Key      string                 `json:"key"`
	Start    time.Time              `json:"start"`
	Total    int                    `json:"total"`
	Critical int                    `json:"critical"`
	ByPPE    map[domain.PPEType]int `json:"by_ppe"`
}

// Trend groups records into calendar buckets in loc and returns them in
// chronological order. Only buckets holding at least one record are
// emitted; charts that need a continuous axis fill the gaps themselves.
//
// Total counts records. ByPPE counts records per missing PPE type, so a
// record missing two items contributes to two stacked series.
func Trend(records []domain.Violation, g window.Granularity, loc *time.Location) []TrendBucket {
	buckets := make(map[string]*TrendBucket)

	for _, v := range records {
		ts := v.Timestamp.In(loc)
		key := window.BucketKey(ts, g)

		b, ok := buckets[key]
		if !ok {
			b = &TrendBucket{
				Key:   key,
				Start: window.BucketStart(ts, g),
				ByPPE: make(map[domain.PPEType]int),
			}
			buckets[key] = b
		}

		b.Total++
		if v.IsCritical() {
			b.Critical++
		}
		for _, t := range v.PPETypes() {
			b.ByPPE[t]++
		}
	}

	out := make([]TrendBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
