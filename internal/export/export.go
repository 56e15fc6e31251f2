// Package export writes dashboard snapshots to object storage: the
// published view-model as JSON and the effective violation list as CSV.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/metrics"
	"github.com/DukeRupert/ppewatch/internal/storage"
	"github.com/google/uuid"
)

// Trigger labels what started an export.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// maxExportSize bounds a single export object.
const maxExportSize = 64 << 20

// csvHeader is the column order of the violations file.
var csvHeader = []string{
	"id", "timestamp", "domain_id", "camera_id", "severity", "status", "missing_ppe", "confidence",
}

// Result describes the objects one export wrote.
type Result struct {
	SnapshotKey   string    `json:"snapshot_key"`
	SnapshotURL   string    `json:"snapshot_url"`
	ViolationsKey string    `json:"violations_key"`
	ViolationsURL string    `json:"violations_url"`
	Records       int       `json:"records"`
	Epoch         uint64    `json:"epoch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Exporter writes snapshots for one session.
type Exporter struct {
	store     storage.Storage
	sessionID uuid.UUID
	urlExpiry time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Exporter. Links to exported objects are presigned for
// urlExpiry when the backend requires it; zero uses public URLs where
// available.
func New(store storage.Storage, sessionID uuid.UUID, urlExpiry time.Duration, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:     store,
		sessionID: sessionID,
		urlExpiry: urlExpiry,
		logger:    logger.With("session_id", sessionID),
		now:       time.Now,
	}
}

// Export writes snap. A snapshot without a view-model has nothing to
// export yet.
func (x *Exporter) Export(ctx context.Context, snap *engine.Snapshot, trigger string) (res Result, err error) {
	const op = "export.export"

	defer func() { metrics.Export(trigger, err) }()

	if snap == nil || snap.ViewModel == nil {
		return Result{}, domain.Invalid(op, "the dashboard has not loaded yet")
	}

	at := x.now()
	stem := strings.TrimSuffix(storage.ExportKey(x.sessionID, at, "json"), ".json")
	res = Result{
		SnapshotKey:   stem + ".json",
		ViolationsKey: stem + ".csv",
		Records:       len(snap.Violations),
		Epoch:         snap.Epoch,
		CreatedAt:     at,
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Result{}, domain.Internal(err, op, "encode snapshot")
	}
	if err := x.put(ctx, res.SnapshotKey, bytes.NewReader(body)); err != nil {
		return Result{}, storage.ToDomain(err, op)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, snap.Violations); err != nil {
		return Result{}, domain.Internal(err, op, "encode violations")
	}
	if err := x.put(ctx, res.ViolationsKey, &buf); err != nil {
		return Result{}, storage.ToDomain(err, op)
	}

	if res.SnapshotURL, err = x.store.URL(ctx, res.SnapshotKey, x.urlExpiry); err != nil {
		return Result{}, storage.ToDomain(err, op)
	}
	if res.ViolationsURL, err = x.store.URL(ctx, res.ViolationsKey, x.urlExpiry); err != nil {
		return Result{}, storage.ToDomain(err, op)
	}

	x.logger.Info("snapshot exported",
		"trigger", trigger,
		"epoch", snap.Epoch,
		"records", res.Records,
		"key", res.SnapshotKey,
	)
	return res, nil
}

// List returns this session's exports, newest first.
func (x *Exporter) List(ctx context.Context) ([]storage.ObjectInfo, error) {
	const op = "export.list"

	objects, err := x.store.List(ctx, storage.ExportPrefix(x.sessionID))
	if err != nil {
		return nil, storage.ToDomain(err, op)
	}
	return objects, nil
}

// Open streams one export of this session.
func (x *Exporter) Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	const op = "export.open"

	if !strings.HasPrefix(key, storage.ExportPrefix(x.sessionID)) {
		return nil, storage.ObjectInfo{}, domain.NotFound(op, "export", key)
	}
	rc, info, err := x.store.Get(ctx, key)
	if err != nil {
		return nil, storage.ObjectInfo{}, storage.ToDomain(err, op)
	}
	return rc, info, nil
}

func (x *Exporter) put(ctx context.Context, key string, r io.Reader) error {
	return x.store.Put(ctx, key, r, storage.PutOptions{
		ContentType: storage.ContentType(key),
		MaxSize:     maxExportSize,
	})
}

// WriteCSV writes records with a header row. Missing PPE types are joined
// with semicolons; timestamps are RFC 3339 in UTC.
func WriteCSV(w io.Writer, records []domain.Violation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, v := range records {
		types := v.PPETypes()
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		row := []string{
			v.ID,
			v.Timestamp.UTC().Format(time.RFC3339),
			v.DomainID,
			v.CameraID,
			string(v.Severity),
			string(v.Status),
			strings.Join(names, ";"),
			strconv.FormatFloat(v.Confidence, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
