// Package pgstore answers the violation query contract from Postgres. It is
// the alternative to the REST client when the service runs next to a read
// replica of the backend database.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"
)

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	const op = "pgstore.open"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Configuration(op, fmt.Sprintf("open database: %v", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.FetchFailed(op, err)
	}
	return db, nil
}

// Store implements domain.ViolationQuerier, domain.StatisticsProvider and
// domain.Catalog.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over an open database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// =============================================================================
// Queries
// =============================================================================

// QueryViolations returns one page newest first. The page cap is enforced
// before the database is touched.
func (s *Store) QueryViolations(ctx context.Context, q domain.ViolationQuery) (domain.ViolationPage, error) {
	const op = "pgstore.query_violations"

	if err := q.Validate(); err != nil {
		return domain.ViolationPage{}, err
	}

	args := filterArgs(q)

	var total int
	if err := s.db.QueryRowContext(ctx, countViolations, args...).Scan(&total); err != nil {
		return domain.ViolationPage{}, domain.FetchFailed(op, err)
	}

	rows, err := s.db.QueryContext(ctx, listViolations, append(args, q.Limit, q.Skip)...)
	if err != nil {
		return domain.ViolationPage{}, domain.FetchFailed(op, err)
	}
	defer rows.Close()

	items := make([]domain.Violation, 0, q.Limit)
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return domain.ViolationPage{}, domain.FetchFailed(op, err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return domain.ViolationPage{}, domain.FetchFailed(op, err)
	}

	return domain.ViolationPage{Items: items, Total: total}, nil
}

// GetStatistics summarizes violations for a domain. ComplianceRate is set
// only when detection totals were recorded for the range.
func (s *Store) GetStatistics(ctx context.Context, domainID string, start, end *time.Time) (*domain.Statistics, error) {
	const op = "pgstore.get_statistics"

	args := []interface{}{nullString(domainID), nullTimePtr(start), nullTimePtr(end)}

	stats := &domain.Statistics{ByPPEType: make(map[domain.PPEType]int)}
	err := s.db.QueryRowContext(ctx, severityCounts, args...).Scan(
		&stats.Total, &stats.Critical, &stats.High, &stats.Medium, &stats.Low,
	)
	if err != nil {
		return nil, domain.FetchFailed(op, err)
	}

	rows, err := s.db.QueryContext(ctx, ppeTypeCounts, args...)
	if err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t     sql.NullString
			count int
		)
		if err := rows.Scan(&t, &count); err != nil {
			return nil, domain.FetchFailed(op, err)
		}
		if t.Valid {
			stats.ByPPEType[domain.PPEType(t.String)] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.FetchFailed(op, err)
	}

	var detections sql.NullInt64
	if err := s.db.QueryRowContext(ctx, detectionTotal, args...).Scan(&detections); err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	if detections.Valid {
		stats.ComplianceRate = complianceRate(detections.Int64, stats.Total)
	}

	return stats, nil
}

// ListDomains returns every domain ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	const op = "pgstore.list_domains"

	rows, err := s.db.QueryContext(ctx, listDomains)
	if err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	defer rows.Close()

	var domains []domain.Domain
	for rows.Next() {
		var d domain.Domain
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, domain.FetchFailed(op, err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	return domains, nil
}

// ListCameras returns the cameras of a domain ordered by name.
func (s *Store) ListCameras(ctx context.Context, domainID string) ([]domain.Camera, error) {
	const op = "pgstore.list_cameras"

	rows, err := s.db.QueryContext(ctx, listCameras, domainID)
	if err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	defer rows.Close()

	var cameras []domain.Camera
	for rows.Next() {
		var c domain.Camera
		if err := rows.Scan(&c.ID, &c.DomainID, &c.Name, &c.Location); err != nil {
			return nil, domain.FetchFailed(op, err)
		}
		cameras = append(cameras, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.FetchFailed(op, err)
	}
	return cameras, nil
}

// =============================================================================
// Writes
// =============================================================================

// Fixture is a batch of catalog entries, violations and detection counts
// loaded into the store in one transaction.
type Fixture struct {
	Domains    []domain.Domain    `json:"domains"`
	Cameras    []domain.Camera    `json:"cameras"`
	Violations []domain.Violation `json:"violations"`
	Detections []DetectionTotal   `json:"detections"`
}

// DetectionTotal is the number of person detections a domain saw on a day.
type DetectionTotal struct {
	DomainID   string    `json:"domain_id"`
	Day        time.Time `json:"day"`
	Detections int       `json:"detections"`
}

// LoadResult reports how many rows a Load wrote.
type LoadResult struct {
	Domains    int
	Cameras    int
	Violations int
	Skipped    int
	Detections int
}

// Load writes a fixture. Violations are validated first; existing IDs are
// left untouched and counted as skipped.
func (s *Store) Load(ctx context.Context, f Fixture) (LoadResult, error) {
	const op = "pgstore.load"

	for i := range f.Violations {
		if err := f.Violations[i].Validate(); err != nil {
			return LoadResult{}, domain.Wrap(err, domain.EINVALID, op,
				fmt.Sprintf("violation %d is invalid", i))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LoadResult{}, domain.Internal(err, op, "begin transaction")
	}
	defer tx.Rollback()

	res, err := load(ctx, tx, f)
	if err != nil {
		return LoadResult{}, domain.Internal(err, op, "write fixture")
	}
	if err := tx.Commit(); err != nil {
		return LoadResult{}, domain.Internal(err, op, "commit")
	}

	s.logger.Info("fixture loaded",
		"domains", res.Domains,
		"cameras", res.Cameras,
		"violations", res.Violations,
		"skipped", res.Skipped,
		"detections", res.Detections,
	)
	return res, nil
}

func load(ctx context.Context, db DBTX, f Fixture) (LoadResult, error) {
	var res LoadResult

	for _, d := range f.Domains {
		if _, err := db.ExecContext(ctx, upsertDomain, d.ID, d.Name); err != nil {
			return res, fmt.Errorf("domain %s: %w", d.ID, err)
		}
		res.Domains++
	}
	for _, c := range f.Cameras {
		if _, err := db.ExecContext(ctx, upsertCamera, c.ID, c.DomainID, c.Name, c.Location); err != nil {
			return res, fmt.Errorf("camera %s: %w", c.ID, err)
		}
		res.Cameras++
	}
	for _, v := range f.Violations {
		missing, err := missingPPEColumn(v.MissingPPE)
		if err != nil {
			return res, fmt.Errorf("violation %s: %w", v.ID, err)
		}
		result, err := db.ExecContext(ctx, insertViolation,
			v.ID, v.Timestamp, v.DomainID, v.CameraID,
			string(v.Severity), string(v.Status), missing, v.Confidence,
		)
		if err != nil {
			return res, fmt.Errorf("violation %s: %w", v.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			res.Skipped++
			continue
		}
		res.Violations++
	}
	for _, d := range f.Detections {
		if _, err := db.ExecContext(ctx, upsertDetections, d.DomainID, d.Day, d.Detections); err != nil {
			return res, fmt.Errorf("detections %s: %w", d.DomainID, err)
		}
		res.Detections++
	}
	return res, nil
}

// =============================================================================
// Helpers
// =============================================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanViolation(row scanner) (domain.Violation, error) {
	var (
		v        domain.Violation
		severity string
		status   string
		missing  pqtype.NullRawMessage
	)
	err := row.Scan(&v.ID, &v.Timestamp, &v.DomainID, &v.CameraID, &severity, &status, &missing, &v.Confidence)
	if err != nil {
		return domain.Violation{}, err
	}
	v.Severity = domain.Severity(severity)
	v.Status = domain.Status(status)

	if missing.Valid && len(missing.RawMessage) > 0 {
		if err := json.Unmarshal(missing.RawMessage, &v.MissingPPE); err != nil {
			return domain.Violation{}, fmt.Errorf("violation %s missing_ppe: %w", v.ID, err)
		}
	}
	return v, nil
}

func missingPPEColumn(items []domain.MissingPPE) (pqtype.NullRawMessage, error) {
	if len(items) == 0 {
		return pqtype.NullRawMessage{Valid: false}, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

// filterArgs binds $1..$7 of violationFilter.
func filterArgs(q domain.ViolationQuery) []interface{} {
	return []interface{}{
		nullString(q.DomainID),
		nullString(q.CameraID),
		nullString(string(q.PPEType)),
		nullString(string(q.Severity)),
		nullString(string(q.Status)),
		nullTime(q.StartTime),
		nullTime(q.EndTime),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

// complianceRate derives the measured rate from detection totals. More
// violations than detections clamps to zero.
func complianceRate(detections int64, violations int) *float64 {
	if detections <= 0 {
		return nil
	}
	compliant := float64(detections) - float64(violations)
	if compliant < 0 {
		compliant = 0
	}
	rate := compliant / float64(detections) * 100
	return &rate
}
