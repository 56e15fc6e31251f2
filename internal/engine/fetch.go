package engine

import (
	"context"
	"time"

	"github.com/DukeRupert/ppewatch/internal/catalog"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/fetch"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"golang.org/x/sync/errgroup"
)

type fetchKind string

const (
	fetchInitial  fetchKind = "initial"
	fetchPoll     fetchKind = "poll"
	fetchManual   fetchKind = "manual"
	fetchRollover fetchKind = "rollover"
)

type fetchRequest struct {
	epoch     uint64
	kind      fetchKind
	windows   domain.Windows
	server    filter.ServerParams
	domainIDs []string
	withStats bool
}

// fetchResult is the tagged outcome of one fetch run. It is delivered to
// the loop and applied only if its epoch is still current.
type fetchResult struct {
	epoch    uint64
	kind     fetchKind
	duration time.Duration
	err      error

	current       fetch.Result
	previous      fetch.Result
	currentStats  *domain.Statistics
	previousStats *domain.Statistics
	labels        *catalog.Labels
}

// launch starts a fetch for the current epoch in the background. It returns
// false if one is already running, which keeps fallback polls and manual
// refreshes from stacking up.
func (e *Engine) launch(kind fetchKind) bool {
	if e.fetching {
		return false
	}
	e.fetching = true

	req := fetchRequest{
		epoch:     e.epoch,
		kind:      kind,
		windows:   e.windows,
		server:    e.compiled.Server,
		domainIDs: e.domainIDs,
		withStats: statsEligible(e.compiled.Server),
	}
	ctx := e.epochCtx

	go func() {
		res := e.fetch(ctx, req)
		select {
		case e.results <- res:
		case <-ctx.Done():
		}
	}()
	return true
}

// fetch loads the current window, the comparison window, backend statistics
// and catalog labels concurrently. Only the two window loads can fail the
// run; statistics and labels are best effort.
func (e *Engine) fetch(ctx context.Context, req fetchRequest) fetchResult {
	start := time.Now()
	res := fetchResult{epoch: req.epoch, kind: req.kind}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, err := e.orch.Fetch(gctx, req.windows.Current, req.server)
		res.current = r
		return err
	})
	g.Go(func() error {
		r, err := e.orch.Fetch(gctx, req.windows.Previous, req.server)
		res.previous = r
		return err
	})

	if req.withStats && e.deps.Stats != nil {
		g.Go(func() error {
			res.currentStats = e.statistics(gctx, req.server.DomainID, req.windows.Current)
			return nil
		})
		g.Go(func() error {
			res.previousStats = e.statistics(gctx, req.server.DomainID, req.windows.Previous)
			return nil
		})
	}

	if e.deps.Catalog != nil {
		g.Go(func() error {
			labels, err := e.deps.Catalog.Labels(gctx, req.domainIDs)
			if err != nil {
				e.logger.Warn("catalog lookup failed, using raw ids", "error", err)
				return nil
			}
			res.labels = &labels
			return nil
		})
	}

	res.err = g.Wait()
	res.duration = time.Since(start)
	return res
}

func (e *Engine) statistics(ctx context.Context, domainID string, w domain.TimeWindow) *domain.Statistics {
	start, end := w.Start, w.End
	stats, err := e.deps.Stats.GetStatistics(ctx, domainID, &start, &end)
	if err != nil {
		e.logger.Warn("statistics unavailable, estimating compliance",
			"domain_id", domainID,
			"error", err,
		)
		return nil
	}
	return stats
}

// statsEligible reports whether backend statistics describe the same record
// set as the query. The statistics endpoint only scopes by domain.
func statsEligible(p filter.ServerParams) bool {
	return p.CameraID == "" && p.PPEType == "" && p.Severity == "" && p.Status == ""
}
