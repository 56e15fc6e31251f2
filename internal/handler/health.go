package handler

import (
	"net/http"
	"time"

	"github.com/DukeRupert/ppewatch/internal/live"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string     `json:"status"`
	SessionID     string     `json:"session_id"`
	Link          live.State `json:"link"`
	Stale         bool       `json:"stale"`
	LastFetchedAt time.Time  `json:"last_fetched_at"`
}

// Health reports liveness. Stale data is reported as "degraded" but still
// answers 200.
func Health(dashboard Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := dashboard.Snapshot()
		status := "ok"
		if snap.Freshness.IsStale {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        status,
			SessionID:     snap.SessionID,
			Link:          snap.Link,
			Stale:         snap.Freshness.IsStale,
			LastFetchedAt: snap.Freshness.LastFetchedAt,
		})
	}
}
