package metrics

import "time"

// FetchCompleted records a successful fetch run.
func FetchCompleted(kind string, duration time.Duration) {
	FetchRunsTotal.WithLabelValues(kind, "completed").Inc()
	FetchDuration.Observe(duration.Seconds())
}

// FetchFailed records an aborted fetch run.
func FetchFailed(kind string) {
	FetchRunsTotal.WithLabelValues(kind, "failed").Inc()
}

// PageFetched records one page request.
func PageFetched(err error) {
	if err != nil {
		FetchPagesTotal.WithLabelValues("failed").Inc()
		return
	}
	FetchPagesTotal.WithLabelValues("ok").Inc()
}

// PushEvent records the outcome of merging one pushed record.
func PushEvent(outcome string) {
	PushEventsTotal.WithLabelValues(outcome).Inc()
}

// SetConnected updates the push link gauge.
func SetConnected(connected bool) {
	PushConnected.Set(boolValue(connected))
}

// SetStale updates the stale-data gauge.
func SetStale(stale bool) {
	DataStale.Set(boolValue(stale))
}

// FallbackPoll records a fallback poll result.
func FallbackPoll(ok bool) {
	if ok {
		FallbackPollsTotal.WithLabelValues("ok").Inc()
		return
	}
	FallbackPollsTotal.WithLabelValues("failed").Inc()
}

// Export records an export attempt.
func Export(trigger string, err error) {
	if err != nil {
		ExportsTotal.WithLabelValues(trigger, "failed").Inc()
		return
	}
	ExportsTotal.WithLabelValues(trigger, "ok").Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// JobRun records one periodic job run.
func JobRun(job, status string, duration time.Duration) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}
