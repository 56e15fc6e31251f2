package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/export"
	"github.com/DukeRupert/ppewatch/internal/storage"
)

// Exports writes and reads snapshot exports. *export.Exporter satisfies it.
type Exports interface {
	Export(ctx context.Context, snap *engine.Snapshot, trigger string) (export.Result, error)
	List(ctx context.Context) ([]storage.ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

// ExportHandler serves dashboard exports.
type ExportHandler struct {
	dashboard Dashboard
	exports   Exports
	logger    *slog.Logger
}

// NewExportHandler creates a new ExportHandler.
func NewExportHandler(dashboard Dashboard, exports Exports, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{
		dashboard: dashboard,
		exports:   exports,
		logger:    logger,
	}
}

// RegisterRoutes registers all export routes with the provided mux.
//
// Routes:
// - POST /api/exports        -> Create
// - GET  /api/exports        -> List
// - GET  /api/exports/{key...} -> Download
func (h *ExportHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /api/exports", wrap(http.HandlerFunc(h.Create)))
	mux.Handle("GET /api/exports", wrap(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/exports/{key...}", wrap(http.HandlerFunc(h.Download)))
}

// Create exports the current snapshot.
func (h *ExportHandler) Create(w http.ResponseWriter, r *http.Request) {
	res, err := h.exports.Export(r.Context(), h.dashboard.Snapshot(), export.TriggerManual)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// List returns the session's exports, newest first.
func (h *ExportHandler) List(w http.ResponseWriter, r *http.Request) {
	objects, err := h.exports.List(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if objects == nil {
		objects = []storage.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": objects})
}

// Download streams one export.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	rc, info, err := h.exports.Open(r.Context(), r.PathValue("key"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("export download interrupted", "key", info.Key, "error", err)
	}
}
