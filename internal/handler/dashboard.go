// Package handler exposes the dashboard session over a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/live"
	"github.com/DukeRupert/ppewatch/internal/window"
)

// Dashboard is the engine surface the API drives. *engine.Engine
// satisfies it.
type Dashboard interface {
	Snapshot() *engine.Snapshot
	WaitLoaded(ctx context.Context) (*engine.Snapshot, error)
	SetFilters(ctx context.Context, fs domain.FilterSet) error
	SetWindow(ctx context.Context, r window.Range, custom *domain.TimeWindow) error
	SetGranularity(ctx context.Context, g window.Granularity) error
	SetDomains(ctx context.Context, domainIDs []string) error
	Refresh(ctx context.Context) error
}

// DashboardHandler serves the session snapshot and accepts commands.
type DashboardHandler struct {
	dashboard Dashboard
	logger    *slog.Logger

	// waitTimeout bounds ?wait=true and command round trips.
	waitTimeout time.Duration

	// heartbeat is the keep-alive period of the snapshot stream.
	heartbeat time.Duration
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(dashboard Dashboard, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{
		dashboard:   dashboard,
		logger:      logger,
		waitTimeout: 30 * time.Second,
		heartbeat:   15 * time.Second,
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterRoutes registers all dashboard routes with the provided mux.
//
// Routes:
// - GET  /api/dashboard            -> Get
// - GET  /api/dashboard/alerts     -> Alerts
// - GET  /api/dashboard/violations -> Violations
// - GET  /api/dashboard/stream     -> Stream
// - PUT  /api/dashboard/filters    -> SetFilters
// - PUT  /api/dashboard/window     -> SetWindow
// - PUT  /api/dashboard/domains    -> SetDomains
// - POST /api/dashboard/refresh    -> Refresh
func (h *DashboardHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /api/dashboard", wrap(http.HandlerFunc(h.Get)))
	mux.Handle("GET /api/dashboard/alerts", wrap(http.HandlerFunc(h.Alerts)))
	mux.Handle("GET /api/dashboard/violations", wrap(http.HandlerFunc(h.Violations)))
	mux.Handle("GET /api/dashboard/stream", wrap(http.HandlerFunc(h.Stream)))
	mux.Handle("PUT /api/dashboard/filters", wrap(http.HandlerFunc(h.SetFilters)))
	mux.Handle("PUT /api/dashboard/window", wrap(http.HandlerFunc(h.SetWindow)))
	mux.Handle("PUT /api/dashboard/domains", wrap(http.HandlerFunc(h.SetDomains)))
	mux.Handle("POST /api/dashboard/refresh", wrap(http.HandlerFunc(h.Refresh)))
}

// =============================================================================
// Reads
// =============================================================================

// Get returns the current snapshot. With ?wait=true it blocks until the
// current epoch has loaded.
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap := h.dashboard.Snapshot()
	if r.URL.Query().Get("wait") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()

		var err error
		snap, err = h.dashboard.WaitLoaded(ctx)
		if err != nil && snap.ViewModel == nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// AlertsResponse is the body of GET /api/dashboard/alerts.
type AlertsResponse struct {
	Critical  []domain.Violation `json:"critical"`
	Recent    []domain.Violation `json:"recent"`
	Link      live.State         `json:"link"`
	Freshness engine.Freshness   `json:"freshness"`
}

// Alerts returns the bounded alert lists, most recent first.
func (h *DashboardHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	snap := h.dashboard.Snapshot()
	writeJSON(w, http.StatusOK, AlertsResponse{
		Critical:  nonNil(snap.CriticalAlerts),
		Recent:    nonNil(snap.RecentViolations),
		Link:      snap.Link,
		Freshness: snap.Freshness,
	})
}

// ViolationsResponse is the body of GET /api/dashboard/violations.
type ViolationsResponse struct {
	Items []domain.Violation `json:"items"`
	Total int                `json:"total"`
	Skip  int                `json:"skip"`
	Limit int                `json:"limit"`
}

// Violations pages through the effective record set behind the view-model.
func (h *DashboardHandler) Violations(w http.ResponseWriter, r *http.Request) {
	const op = "handler.violations"

	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 500 {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "limit must be between 1 and 500"))
		return
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "skip must not be negative"))
		return
	}

	all := h.dashboard.Snapshot().Violations
	start := min(skip, len(all))
	end := min(start+limit, len(all))
	writeJSON(w, http.StatusOK, ViolationsResponse{
		Items: nonNil(all[start:end]),
		Total: len(all),
		Skip:  skip,
		Limit: limit,
	})
}

// Stream pushes every published snapshot as a server-sent event until the
// client disconnects.
func (h *DashboardHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	snap := h.dashboard.Snapshot()
	for {
		data, err := json.Marshal(snap)
		if err != nil {
			h.logger.Error("encode snapshot", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", snap.Epoch, data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			h.logger.Error("snapshot stream unsupported", "error", err)
			return
		}

		if !awaitChange(r.Context(), w, rc, snap, heartbeat.C) {
			return
		}
		snap = h.dashboard.Snapshot()
	}
}

// awaitChange blocks until snap is superseded, writing keep-alive comments
// meanwhile. It returns false once the client is gone.
func awaitChange(ctx context.Context, w http.ResponseWriter, rc *http.ResponseController, snap *engine.Snapshot, heartbeat <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-snap.Changed():
			return true
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return false
			}
			if rc.Flush() != nil {
				return false
			}
		}
	}
}

// =============================================================================
// Commands
// =============================================================================

// SetFilters replaces the multi-select filter set.
func (h *DashboardHandler) SetFilters(w http.ResponseWriter, r *http.Request) {
	const op = "handler.set_filters"

	var fs domain.FilterSet
	if err := decodeJSON(w, r, op, &fs); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	h.command(w, r, func(ctx context.Context) error {
		return h.dashboard.SetFilters(ctx, fs)
	})
}

// WindowRequest is the body of PUT /api/dashboard/window. Start and End
// are read only for the custom range. An empty Range keeps the current
// window and only changes the granularity.
type WindowRequest struct {
	Range       string     `json:"range"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	Granularity *string    `json:"granularity,omitempty"`
}

// SetWindow switches the time range and optionally the bucket size.
func (h *DashboardHandler) SetWindow(w http.ResponseWriter, r *http.Request) {
	const op = "handler.set_window"

	var req WindowRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var (
		rng window.Range
		err error
	)
	if req.Range != "" {
		if rng, err = window.ParseRange(req.Range); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}
	var custom *domain.TimeWindow
	if req.Start != nil && req.End != nil {
		custom = &domain.TimeWindow{Start: *req.Start, End: *req.End}
		if rng == window.RangeCustom && !custom.IsValid() {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "start must precede end"))
			return
		}
	}
	var granularity *window.Granularity
	if req.Granularity != nil {
		g, err := window.ParseGranularity(*req.Granularity)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
		granularity = &g
	}
	if rng == "" && granularity == nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "range or granularity is required"))
		return
	}

	h.command(w, r, func(ctx context.Context) error {
		if rng != "" {
			if err := h.dashboard.SetWindow(ctx, rng, custom); err != nil {
				return err
			}
		}
		if granularity != nil {
			return h.dashboard.SetGranularity(ctx, *granularity)
		}
		return nil
	})
}

// DomainsRequest is the body of PUT /api/dashboard/domains.
type DomainsRequest struct {
	DomainIDs []string `json:"domain_ids"`
}

// SetDomains changes the subscribed domain scope.
func (h *DashboardHandler) SetDomains(w http.ResponseWriter, r *http.Request) {
	const op = "handler.set_domains"

	var req DomainsRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	for _, id := range req.DomainIDs {
		if id == "" {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "domain ids must not be empty"))
			return
		}
	}
	h.command(w, r, func(ctx context.Context) error {
		return h.dashboard.SetDomains(ctx, req.DomainIDs)
	})
}

// Refresh starts a manual fetch. The response does not wait for it.
func (h *DashboardHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()

	if err := h.dashboard.Refresh(ctx); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.dashboard.Snapshot())
}

// command applies a change and responds with the resulting snapshot.
func (h *DashboardHandler) command(w http.ResponseWriter, r *http.Request, apply func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()

	if err := apply(ctx); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.dashboard.Snapshot())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func nonNil(vs []domain.Violation) []domain.Violation {
	if vs == nil {
		return []domain.Violation{}
	}
	return vs
}
