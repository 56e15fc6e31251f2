package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/ppewatch/internal"
	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSnapshot() *engine.Snapshot {
	start := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	return &engine.Snapshot{
		SessionID: "s1",
		Range:     window.Range7d,
		Windows: domain.Windows{
			Current: domain.TimeWindow{Start: start, End: start.AddDate(0, 0, 7).Add(-time.Millisecond)},
		},
		ViewModel: &aggregate.ViewModel{
			Totals: aggregate.Totals{Total: 12, Critical: 2},
			KPIs: []aggregate.KPI{
				{Name: aggregate.KPITotalViolations, Current: 12, Previous: 10,
					Delta: aggregate.Delta{Value: 20, Direction: aggregate.DirectionUp}},
				{Name: aggregate.KPIComplianceRate, Current: 90, Previous: 90,
					Delta: aggregate.Delta{Direction: aggregate.DirectionStable}},
			},
			Compliance: aggregate.Compliance{Rate: 90, Estimated: true},
			ByPPEType: []aggregate.BreakdownItem{
				{Key: "hard_hat", Label: "Hard Hat", Count: 8, Percentage: 66.67},
			},
			PeakHour: 9,
		},
		CriticalAlerts: []domain.Violation{
			{ID: "v9", CameraID: "c1", Timestamp: start.Add(9 * time.Hour)},
		},
	}
}

func TestRender_Table(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatTable, newSummary(testSnapshot())))

	out := buf.String()
	assert.Contains(t, out, "PPE violations 7d (2026-03-06 to 2026-03-12)")
	assert.Contains(t, out, "total_violations")
	assert.Contains(t, out, "up 20%")
	assert.Contains(t, out, "Compliance: 90% (estimated)")
	assert.Contains(t, out, "Peak hour:  09:00")
	assert.Contains(t, out, "Hard Hat")
	assert.Contains(t, out, "66.67%")
	assert.Contains(t, out, "v9")
	assert.NotContains(t, out, "CAMERA", "empty breakdowns are omitted")
}

func TestRender_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatJSON, newSummary(testSnapshot())))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "7d", got["range"])
	assert.Equal(t, float64(9), got["peak_hour"])
	assert.Equal(t, float64(12), got["totals"].(map[string]any)["total"])
}

func TestRender_YAMLUsesJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatYAML, newSummary(testSnapshot())))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "session_id: s1\n"), out)
	assert.NotContains(t, out, "{", "block style only")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "7d", got["range"])
	assert.Contains(t, got, "by_ppe_type")
}

func TestNewSummary_NotLoaded(t *testing.T) {
	s := newSummary(&engine.Snapshot{SessionID: "s1", Range: window.Range30d})
	assert.Zero(t, s.Totals.Total)
	assert.Empty(t, s.KPIs)
}

func TestValidFormat(t *testing.T) {
	assert.True(t, validFormat("table"))
	assert.True(t, validFormat("yaml"))
	assert.False(t, validFormat("csv"))
}

func TestApplyRange(t *testing.T) {
	denver, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)

	cfg := &internal.Config{Range: window.Range30d, Timezone: denver}
	custom, err := applyRange(cfg, "", "", "")
	require.NoError(t, err)
	assert.Nil(t, custom)
	assert.Equal(t, window.Range30d, cfg.Range)

	custom, err = applyRange(cfg, "90d", "", "")
	require.NoError(t, err)
	assert.Nil(t, custom)
	assert.Equal(t, window.Range90d, cfg.Range)

	custom, err = applyRange(cfg, "custom", "2026-01-01", "2026-01-31")
	require.NoError(t, err)
	require.NotNil(t, custom)
	assert.True(t, custom.Start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, denver)), custom.Start)
	assert.True(t, custom.End.Equal(time.Date(2026, 1, 31, 23, 59, 59, 999_000_000, denver)), custom.End)

	_, err = applyRange(cfg, "custom", "2026-02-01", "2026-01-01")
	assert.Error(t, err)
	_, err = applyRange(cfg, "custom", "", "2026-01-01")
	assert.Error(t, err)
	_, err = applyRange(cfg, "custom", "01/02/2026", "2026-01-03")
	assert.Error(t, err)
	_, err = applyRange(cfg, "14d", "", "")
	assert.Error(t, err)
}

func TestReadFixture(t *testing.T) {
	body := `{
		"domains": [{"id": "d1", "name": "North Yard"}],
		"violations": [{"id": "v1", "timestamp": "2026-03-10T08:00:00Z", "domain_id": "d1", "severity": "high", "status": "open"}]
	}`

	path := filepath.Join(t.TempDir(), "fixture.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := readFixture(nil, path)
	require.NoError(t, err)
	require.Len(t, f.Violations, 1)
	assert.Equal(t, "North Yard", f.Domains[0].Name)

	f, err = readFixture(strings.NewReader(body), "-")
	require.NoError(t, err)
	assert.Equal(t, "v1", f.Violations[0].ID)

	_, err = readFixture(strings.NewReader(`{"sites": []}`), "-")
	assert.Error(t, err)
}
