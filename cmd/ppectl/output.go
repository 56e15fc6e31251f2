package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validFormat(f string) bool {
	return f == formatTable || f == formatJSON || f == formatYAML
}

// summary is the printable subset of a snapshot.
type summary struct {
	SessionID   string                    `json:"session_id"`
	Range       window.Range              `json:"range"`
	Window      domain.TimeWindow         `json:"window"`
	Truncated   bool                      `json:"truncated"`
	Totals      aggregate.Totals          `json:"totals"`
	KPIs        []aggregate.KPI           `json:"kpis"`
	Compliance  aggregate.Compliance      `json:"compliance"`
	ByPPEType   []aggregate.BreakdownItem `json:"by_ppe_type"`
	BySeverity  []aggregate.BreakdownItem `json:"by_severity"`
	TopCameras  []aggregate.BreakdownItem `json:"top_cameras"`
	PeakHour    int                       `json:"peak_hour"`
	Critical    []domain.Violation        `json:"critical_alerts"`
	LastFetched time.Time                 `json:"last_fetched_at"`
}

func newSummary(snap *engine.Snapshot) summary {
	s := summary{
		SessionID:   snap.SessionID,
		Range:       snap.Range,
		Window:      snap.Windows.Current,
		Truncated:   snap.Truncated,
		Critical:    snap.CriticalAlerts,
		LastFetched: snap.Freshness.LastFetchedAt,
	}
	if vm := snap.ViewModel; vm != nil {
		s.Totals = vm.Totals
		s.KPIs = vm.KPIs
		s.Compliance = vm.Compliance
		s.ByPPEType = vm.ByPPEType
		s.BySeverity = vm.BySeverity
		s.TopCameras = vm.TopCameras
		s.PeakHour = vm.PeakHour
	}
	return s
}

func render(w io.Writer, format string, s summary) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case formatYAML:
		return writeYAML(w, s)
	default:
		return writeTable(w, s)
	}
}

// writeYAML converts through JSON so keys match the API's field names.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow and quoting styles JSON input parses with.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// =============================================================================
// Table
// =============================================================================

var (
	heading = color.New(color.FgCyan, color.Bold)
	warn    = color.New(color.FgYellow)
	worse   = color.New(color.FgRed)
	better  = color.New(color.FgGreen)
)

func writeTable(w io.Writer, s summary) error {
	heading.Fprintf(w, "PPE violations %s (%s to %s)\n", s.Range,
		s.Window.Start.Format(time.DateOnly), s.Window.End.Format(time.DateOnly))
	if s.Truncated {
		warn.Fprintln(w, "Result set truncated; totals cover the most recent records only.")
	}
	fmt.Fprintln(w)

	kpis := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("KPI", "CURRENT", "PREVIOUS", "CHANGE")
	for _, k := range s.KPIs {
		kpis.Row(k.Name, number(k.Current), number(k.Previous), change(k))
	}
	fmt.Fprintln(w, kpis.Render())

	label := "measured"
	if s.Compliance.Estimated {
		label = "estimated"
	}
	fmt.Fprintf(w, "Compliance: %s%% (%s)\n", number(s.Compliance.Rate), label)
	fmt.Fprintf(w, "Peak hour:  %02d:00\n\n", s.PeakHour)

	if err := breakdown(w, "PPE TYPE", s.ByPPEType); err != nil {
		return err
	}
	if err := breakdown(w, "CAMERA", s.TopCameras); err != nil {
		return err
	}

	if len(s.Critical) > 0 {
		heading.Fprintln(w, "Critical alerts")
		for _, v := range s.Critical {
			fmt.Fprintf(w, "  %s  %s  %s\n", v.Timestamp.Format(time.RFC3339), v.CameraID, v.ID)
		}
	}
	return nil
}

func breakdown(w io.Writer, title string, items []aggregate.BreakdownItem) error {
	if len(items) == 0 {
		return nil
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(title, "COUNT", "SHARE")
	for _, it := range items {
		t.Row(it.Label, strconv.Itoa(it.Count), number(it.Percentage)+"%")
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// improving reports whether a rising value of the KPI is good news.
var improving = map[string]bool{
	aggregate.KPIResolutionRate:    true,
	aggregate.KPIComplianceRate:    true,
	aggregate.KPIAverageConfidence: true,
}

// change renders a KPI delta, green when it improved and red when it got
// worse.
func change(k aggregate.KPI) string {
	text := fmt.Sprintf("%s %s%%", k.Delta.Direction, number(k.Delta.Value))
	if k.Delta.Direction == aggregate.DirectionStable {
		return text
	}
	if (k.Delta.Direction == aggregate.DirectionUp) == improving[k.Name] {
		return better.Sprint(text)
	}
	return worse.Sprint(text)
}
