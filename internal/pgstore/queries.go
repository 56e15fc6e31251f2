package pgstore

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Filters use the nullable parameter pattern: a NULL argument leaves that
// dimension unrestricted, so every query is a single static statement.
const violationFilter = `
WHERE ($1::text IS NULL OR domain_id = $1)
  AND ($2::text IS NULL OR camera_id = $2)
  AND ($3::text IS NULL OR missing_ppe @> jsonb_build_array(jsonb_build_object('type', $3::text)))
  AND ($4::text IS NULL OR severity = $4)
  AND ($5::text IS NULL OR status = $5)
  AND ($6::timestamptz IS NULL OR occurred_at >= $6)
  AND ($7::timestamptz IS NULL OR occurred_at <= $7)`

const listViolations = `
SELECT id, occurred_at, domain_id, camera_id, severity, status, missing_ppe, confidence
FROM violations` + violationFilter + `
ORDER BY occurred_at DESC, id ASC
LIMIT $8 OFFSET $9`

const countViolations = `
SELECT COUNT(*)
FROM violations` + violationFilter

const statisticsFilter = `
WHERE ($1::text IS NULL OR domain_id = $1)
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at <= $3)`

const severityCounts = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE severity = 'critical'),
       COUNT(*) FILTER (WHERE severity = 'high'),
       COUNT(*) FILTER (WHERE severity = 'medium'),
       COUNT(*) FILTER (WHERE severity = 'low')
FROM violations` + statisticsFilter

const ppeTypeCounts = `
SELECT item->>'type', COUNT(*)
FROM violations
CROSS JOIN LATERAL jsonb_array_elements(COALESCE(missing_ppe, '[]'::jsonb)) AS item` + statisticsFilter + `
GROUP BY 1`

const detectionTotal = `
SELECT SUM(detections)
FROM detection_totals
WHERE ($1::text IS NULL OR domain_id = $1)
  AND ($2::timestamptz IS NULL OR day >= ($2::timestamptz)::date)
  AND ($3::timestamptz IS NULL OR day <= ($3::timestamptz)::date)`

const listDomains = `
SELECT id, name FROM domains ORDER BY name, id`

const listCameras = `
SELECT id, domain_id, name, location FROM cameras WHERE domain_id = $1 ORDER BY name, id`

const upsertDomain = `
INSERT INTO domains (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

const upsertCamera = `
INSERT INTO cameras (id, domain_id, name, location) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET domain_id = EXCLUDED.domain_id, name = EXCLUDED.name, location = EXCLUDED.location`

const insertViolation = `
INSERT INTO violations (id, occurred_at, domain_id, camera_id, severity, status, missing_ppe, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

const upsertDetections = `
INSERT INTO detection_totals (domain_id, day, detections) VALUES ($1, $2::date, $3)
ON CONFLICT (domain_id, day) DO UPDATE SET detections = EXCLUDED.detections`
