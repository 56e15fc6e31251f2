package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/DukeRupert/ppewatch/internal"
	"github.com/DukeRupert/ppewatch/internal/catalog"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/engine"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/spf13/cobra"
)

var (
	summaryRange   string
	summaryStart   string
	summaryEnd     string
	summaryDomains []string
	summaryOutput  string
	summaryTimeout time.Duration
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the dashboard for a time range",
	Long: `Load one dashboard session, wait for the first fetch and print the
KPIs, compliance rate and breakdowns.`,
	Example: `  ppectl summary --range 7d --domain d1
  ppectl summary --range custom --start 2026-01-01 --end 2026-01-31 -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !validFormat(summaryOutput) {
			return fmt.Errorf("--output must be table, json or yaml, got %q", summaryOutput)
		}

		cfg, err := internal.NewConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("domain") {
			cfg.DomainIDs = summaryDomains
		}
		custom, err := applyRange(cfg, summaryRange, summaryStart, summaryEnd)
		if err != nil {
			return err
		}

		logger := internal.NewLogger(os.Stderr, cfg.Env, "warn")
		snap, err := loadSnapshot(cmd.Context(), cfg, custom, summaryTimeout, logger)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), summaryOutput, newSummary(snap))
	},
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().StringVarP(&summaryRange, "range", "r", "", "Time range: 7d, 30d, 90d or custom (default DEFAULT_RANGE)")
	summaryCmd.Flags().StringVar(&summaryStart, "start", "", "Custom range start (YYYY-MM-DD or RFC 3339)")
	summaryCmd.Flags().StringVar(&summaryEnd, "end", "", "Custom range end (YYYY-MM-DD or RFC 3339)")
	summaryCmd.Flags().StringSliceVarP(&summaryDomains, "domain", "d", nil, "Domain IDs to include (default DOMAIN_IDS)")
	summaryCmd.Flags().StringVarP(&summaryOutput, "output", "o", formatTable, "Output format: table, json or yaml")
	summaryCmd.Flags().DurationVar(&summaryTimeout, "timeout", time.Minute, "How long to wait for the first fetch")
}

// applyRange sets cfg.Range from the flags and returns the custom window,
// if any. Dates without a time are read in the configured zone; the end
// date is inclusive.
func applyRange(cfg *internal.Config, rng, start, end string) (*domain.TimeWindow, error) {
	if rng == "" {
		return nil, nil
	}
	r, err := window.ParseRange(rng)
	if err != nil {
		return nil, err
	}
	if r != window.RangeCustom {
		cfg.Range = r
		return nil, nil
	}

	s, err := parseDate(start, cfg.Timezone, false)
	if err != nil {
		return nil, fmt.Errorf("--start: %w", err)
	}
	e, err := parseDate(end, cfg.Timezone, true)
	if err != nil {
		return nil, fmt.Errorf("--end: %w", err)
	}
	tw := &domain.TimeWindow{Start: s, End: e}
	if !tw.IsValid() {
		return nil, fmt.Errorf("--start must precede --end")
	}
	return tw, nil
}

func parseDate(v string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("required for a custom range")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", v)
	}
	if endOfDay {
		return d.AddDate(0, 0, 1).Add(-time.Millisecond), nil
	}
	return d, nil
}

// loadSnapshot runs a session without a push channel until its first
// fetch completes.
func loadSnapshot(ctx context.Context, cfg *internal.Config, custom *domain.TimeWindow, timeout time.Duration, logger *slog.Logger) (*engine.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, err := internal.OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Querier: backend.Querier,
		Stats:   backend.Stats,
		Catalog: catalog.New(backend.Catalog, logger),
	}, engine.NewSession(cfg.DomainIDs, cfg.Timezone), logger)
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	if custom != nil {
		if err := eng.SetWindow(ctx, window.RangeCustom, custom); err != nil {
			return nil, err
		}
	}

	snap, err := eng.WaitLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
