// Package engine runs one dashboard session: it owns the working set for a
// {domain scope, window} pair, folds fetch results and pushed events into it
// on a single goroutine, and publishes immutable snapshots for readers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/DukeRupert/ppewatch/internal/aggregate"
	"github.com/DukeRupert/ppewatch/internal/catalog"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/fetch"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/live"
	"github.com/DukeRupert/ppewatch/internal/metrics"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/DukeRupert/ppewatch/internal/workset"
	"github.com/google/uuid"
)

// Deps are the collaborators an Engine reads from. Only Querier is
// required.
type Deps struct {
	Querier domain.ViolationQuerier

	// Stats supplies the measured compliance rate when available.
	Stats domain.StatisticsProvider

	// Catalog labels camera and domain breakdowns.
	Catalog *catalog.Cache

	// Subscriber delivers pushed violations. Without one the engine
	// polls at the fallback interval.
	Subscriber domain.Subscriber
}

type command struct {
	apply func(ctx context.Context) error
	reply chan error
}

// Engine is the session controller. All state below the channel fields is
// owned by the goroutine running Run; other goroutines interact through
// commands and read published snapshots.
type Engine struct {
	cfg     Config
	deps    Deps
	session Session
	orch    *fetch.Orchestrator
	logger  *slog.Logger

	cmds    chan command
	results chan fetchResult
	snap    atomic.Pointer[Snapshot]
	running atomic.Bool
	done    chan struct{}

	epoch       uint64
	runCtx      context.Context
	epochCtx    context.Context
	cancelEpoch context.CancelFunc

	// rollover fires when a fixed range must move to the next day.
	rollover *time.Timer

	rng         window.Range
	custom      *domain.TimeWindow
	granularity window.Granularity
	windows     domain.Windows
	domainIDs   []string
	filters     domain.FilterSet
	compiled    filter.Compiled

	merger        *live.Merger
	previous      []domain.Violation
	currentStats  *domain.Statistics
	previousStats *domain.Statistics
	labels        catalog.Labels
	vm            *aggregate.ViewModel

	attempted bool
	loaded    bool
	fetching  bool
	truncated bool
	fresh     Freshness

	link   *live.Link
	sub    domain.Subscription
	events <-chan domain.PushEvent
}

// New creates an Engine. It must be started with Run.
func New(cfg Config, deps Deps, session Session, logger *slog.Logger) (*Engine, error) {
	const op = "engine.new"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Querier == nil {
		return nil, domain.Configuration(op, "violation querier is required")
	}
	if session.ID == uuid.Nil {
		session = NewSession(session.DomainIDs, session.Location)
	}

	orch, err := fetch.New(deps.Querier, cfg.Fetch, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		session:   session,
		orch:      orch,
		logger:    logger.With("session_id", session.ID.String()),
		cmds:      make(chan command),
		results:   make(chan fetchResult, 4),
		done:      make(chan struct{}),
		rng:       cfg.Range,
		domainIDs: slices.Clone(session.DomainIDs),
	}
	e.compiled = e.compile()
	e.resetWorkingSet()
	e.publish()
	return e, nil
}

// Run processes commands, fetch results, pushed events and fallback ticks
// until ctx is canceled. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	const op = "engine.run"

	if !e.running.CompareAndSwap(false, true) {
		return domain.Errorf(domain.EINVALID, op, "engine is already running")
	}
	defer close(e.done)
	e.runCtx = ctx

	e.link = live.NewLink(e.cfg.FallbackInterval, e.session.now())
	defer e.link.Stop()

	e.subscribe(ctx)
	defer e.unsubscribe()

	e.startEpoch(ctx, "session started")
	defer func() {
		if e.cancelEpoch != nil {
			e.cancelEpoch()
		}
		if e.rollover != nil {
			e.rollover.Stop()
		}
	}()

	e.logger.Info("engine started",
		"domain_ids", e.domainIDs,
		"range", e.rng,
		"fallback_interval", e.cfg.FallbackInterval,
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return nil

		case cmd := <-e.cmds:
			cmd.reply <- cmd.apply(ctx)

		case res := <-e.results:
			e.applyFetch(res)

		case ev, ok := <-e.events:
			if !ok {
				e.events = nil
				e.handleEvent(domain.PushEvent{
					Type: domain.PushDisconnected,
					Err:  errors.New("event stream closed"),
					At:   e.session.now(),
				})
				continue
			}
			e.handleEvent(ev)

		case <-e.link.C():
			e.poll()

		case <-e.rolloverC():
			e.rollWindow("day rolled over")
		}
	}
}

// Snapshot returns the latest published state. It never returns nil.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// WaitLoaded blocks until the current epoch has completed its first fetch
// and returns that snapshot. A failed fetch is returned as the error.
func (e *Engine) WaitLoaded(ctx context.Context) (*Snapshot, error) {
	for {
		s := e.snap.Load()
		if s.Loaded() {
			if s.Freshness.RefreshFailed {
				return s, s.Freshness.Err()
			}
			return s, nil
		}
		select {
		case <-s.Changed():
		case <-ctx.Done():
			return s, ctx.Err()
		case <-e.done:
			return s, domain.Errorf(domain.EINTERNAL, "engine.wait_loaded", "engine stopped")
		}
	}
}

// =============================================================================
// Commands
// =============================================================================

// SetFilters replaces the filter set. A change that only affects the
// residual predicate re-aggregates the existing working set; a change to the
// server parameters starts a new epoch and refetches.
func (e *Engine) SetFilters(ctx context.Context, fs domain.FilterSet) error {
	const op = "engine.set_filters"

	if err := fs.Validate(); err != nil {
		return err
	}
	return e.do(ctx, func(runCtx context.Context) error {
		if err := e.checkScope(op, fs.DomainIDs); err != nil {
			return err
		}
		before := e.compiled.Server
		e.filters = fs
		e.compiled = e.compile()

		if e.compiled.Server != before {
			e.startEpoch(runCtx, "server filters changed")
			return nil
		}
		e.logger.Debug("residual filter changed", "dimensions", e.compiled.ResidualDimensions)
		e.rebuild()
		e.publish()
		return nil
	})
}

// SetWindow switches the time range. A custom range without a valid window
// falls back to the default range.
func (e *Engine) SetWindow(ctx context.Context, r window.Range, custom *domain.TimeWindow) error {
	if _, err := window.ParseRange(string(r)); err != nil {
		return err
	}
	if r == window.RangeCustom && (custom == nil || !custom.IsValid()) {
		e.logger.Warn("custom range without a valid window, using default", "default", window.DefaultRange)
		r, custom = window.DefaultRange, nil
	}
	return e.do(ctx, func(runCtx context.Context) error {
		e.rng = r
		e.custom = nil
		if custom != nil {
			w := *custom
			e.custom = &w
		}
		e.startEpoch(runCtx, "window changed")
		return nil
	})
}

// SetGranularity overrides the trend bucket size. Empty restores the
// default for the window.
func (e *Engine) SetGranularity(ctx context.Context, g window.Granularity) error {
	if _, err := window.ParseGranularity(string(g)); err != nil {
		return err
	}
	return e.do(ctx, func(context.Context) error {
		e.granularity = g
		e.rebuild()
		e.publish()
		return nil
	})
}

// SetDomains changes the domain scope. The push subscription is replaced
// and a new epoch starts. Filter selections outside the new scope are
// dropped.
func (e *Engine) SetDomains(ctx context.Context, domainIDs []string) error {
	ids := slices.Clone(domainIDs)
	return e.do(ctx, func(runCtx context.Context) error {
		e.domainIDs = ids
		if len(ids) > 0 {
			e.filters.DomainIDs = slices.DeleteFunc(slices.Clone(e.filters.DomainIDs), func(id string) bool {
				return !slices.Contains(ids, id)
			})
		}
		e.compiled = e.compile()
		e.subscribe(runCtx)
		e.startEpoch(runCtx, "domain scope changed")
		return nil
	})
}

// Refresh starts a manual fetch for the current epoch unless one is already
// running. Its result is unioned into the working set.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.do(ctx, func(context.Context) error {
		e.checkRollover()
		if !e.launch(fetchManual) {
			e.logger.Debug("manual refresh skipped, fetch in flight", "epoch", e.epoch)
		}
		return nil
	})
}

func (e *Engine) do(ctx context.Context, apply func(context.Context) error) error {
	const op = "engine.command"

	cmd := command{apply: apply, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return domain.Errorf(domain.EINTERNAL, op, "engine stopped")
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Loop internals
// =============================================================================

func (e *Engine) startEpoch(ctx context.Context, reason string) {
	e.epoch++
	if e.cancelEpoch != nil {
		e.cancelEpoch()
	}
	e.epochCtx, e.cancelEpoch = context.WithCancel(ctx)

	e.resetWorkingSet()
	e.armRollover()
	e.fresh.ConsecutiveFailures = 0
	e.fresh.IsStale = false
	metrics.SetStale(false)

	e.logger.Info("epoch started",
		"epoch", e.epoch,
		"reason", reason,
		"range", e.rng,
		"window_start", e.windows.Current.Start,
		"window_end", e.windows.Current.End,
		"server_params", e.compiled.Server,
	)

	e.launch(fetchInitial)
	e.publish()
}

// resetWorkingSet resolves the windows and starts an empty working set. The
// last view-model stays published until the new epoch has data.
func (e *Engine) resetWorkingSet() {
	e.windows = window.Resolve(e.rng, e.session.now(), e.custom)
	e.merger = e.newMerger()
	e.previous = nil
	e.currentStats, e.previousStats = nil, nil
	e.attempted, e.loaded, e.fetching, e.truncated = false, false, false, false
	metrics.WorkingSetSize.Set(0)
}

func (e *Engine) newMerger() *live.Merger {
	return live.NewMerger(
		workset.New(e.cfg.WorkingSetCap),
		live.Scope{
			DomainIDs: e.domainIDs,
			Window:    e.windows.Current,
			Server:    e.compiled.Server,
		},
		e.cfg.Alerts,
		e.logger,
	)
}

// =============================================================================
// Day rollover
// =============================================================================

// rolloverDelay is the time left until the current window ends. Custom
// windows never roll.
func (e *Engine) rolloverDelay() (time.Duration, bool) {
	if e.rng == window.RangeCustom {
		return 0, false
	}
	next := e.windows.Current.End.Add(window.Resolution)
	return max(next.Sub(e.session.now()), 0), true
}

func (e *Engine) armRollover() {
	if e.rollover != nil {
		e.rollover.Stop()
		e.rollover = nil
	}
	if e.runCtx == nil {
		return
	}
	if d, ok := e.rolloverDelay(); ok {
		e.rollover = time.NewTimer(d)
	}
}

func (e *Engine) rolloverC() <-chan time.Time {
	if e.rollover == nil {
		return nil
	}
	return e.rollover.C
}

// checkRollover rolls the window if the clock has passed its end. Timers
// can fire late, so pushes and fetches check before using the window.
func (e *Engine) checkRollover() {
	if d, ok := e.rolloverDelay(); ok && d == 0 {
		e.rollWindow("window ended")
	}
}

// rollWindow re-resolves a fixed range against the current time. Records
// still inside the new window are kept, pushed ones included, and a fetch
// for the new window is unioned with them. Fetches for the old window are
// discarded by the epoch bump.
func (e *Engine) rollWindow(reason string) {
	windows := window.Resolve(e.rng, e.session.now(), e.custom)
	if windows.Current.Start.Equal(e.windows.Current.Start) && windows.Current.End.Equal(e.windows.Current.End) {
		e.armRollover()
		return
	}

	e.epoch++
	if e.cancelEpoch != nil {
		e.cancelEpoch()
	}
	e.epochCtx, e.cancelEpoch = context.WithCancel(e.runCtx)

	kept := inWindow(e.merger.Records(), windows.Current)
	e.previous = inWindow(e.previous, windows.Previous)
	e.windows = windows
	e.merger = e.newMerger()
	e.merger.Absorb(kept)
	e.currentStats, e.previousStats = nil, nil
	e.fetching = false
	metrics.WorkingSetSize.Set(float64(e.merger.Len()))

	e.logger.Info("window rolled forward",
		"epoch", e.epoch,
		"reason", reason,
		"window_start", e.windows.Current.Start,
		"window_end", e.windows.Current.End,
		"kept", len(kept),
	)

	e.armRollover()
	e.launch(fetchRollover)
	e.rebuild()
	e.publish()
}

func inWindow(records []domain.Violation, w domain.TimeWindow) []domain.Violation {
	var out []domain.Violation
	for _, v := range records {
		if w.Contains(v.Timestamp) {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) compile() filter.Compiled {
	effective := e.filters
	if len(effective.DomainIDs) == 0 {
		effective.DomainIDs = e.domainIDs
	}
	return filter.Compile(effective, filter.DefaultUniverse())
}

func (e *Engine) checkScope(op string, ids []string) error {
	if len(e.domainIDs) == 0 {
		return nil
	}
	for _, id := range ids {
		if !slices.Contains(e.domainIDs, id) {
			return domain.Invalid(op, fmt.Sprintf("domain %q is outside the session scope", id))
		}
	}
	return nil
}

func (e *Engine) poll() {
	e.checkRollover()
	if !e.launch(fetchPoll) {
		e.logger.Debug("fallback poll skipped, fetch in flight", "epoch", e.epoch)
	}
}

func (e *Engine) handleEvent(ev domain.PushEvent) {
	const op = "engine.push"

	now := e.session.now()
	switch ev.Type {
	case domain.PushConnected:
		if e.link.Connect(now) {
			e.logger.Info("push channel connected, fallback polling disarmed")
			e.publish()
		}

	case domain.PushDisconnected:
		if e.link.Disconnect(now) {
			e.logger.Warn("push channel lost, fallback polling armed",
				"error", domain.SubscriptionLost(op, ev.Err),
				"interval", e.cfg.FallbackInterval,
			)
			e.publish()
		}

	case domain.PushViolation:
		e.checkRollover()
		v, outcome := e.merger.MergePayload(ev.Payload)
		if outcome != live.OutcomeAdded {
			return
		}
		e.logger.Debug("pushed violation merged", "violation_id", v.ID, "epoch", e.epoch)
		metrics.WorkingSetSize.Set(float64(e.merger.Len()))
		e.rebuild()
		e.publish()

	default:
		e.logger.Warn("ignoring unknown push event", "type", ev.Type)
	}
}

func (e *Engine) applyFetch(res fetchResult) {
	const op = "engine.apply_fetch"

	if res.epoch != e.epoch {
		metrics.FetchResultsDiscarded.Inc()
		e.logger.Debug("discarding fetch from old epoch",
			"fetch_epoch", res.epoch,
			"epoch", e.epoch,
			"kind", res.kind,
		)
		return
	}
	e.fetching = false
	e.attempted = true

	if res.err != nil {
		metrics.FetchFailed(string(res.kind))
		e.fresh.RefreshFailed = true
		e.fresh.LastError = domain.ErrorMessage(res.err)
		e.fresh.err = res.err

		if res.kind == fetchPoll {
			metrics.FallbackPoll(false)
			e.fresh.ConsecutiveFailures++
			if e.fresh.ConsecutiveFailures >= e.cfg.MaxPollFailures {
				if !e.fresh.IsStale {
					e.logger.Error("data is stale",
						"consecutive_failures", e.fresh.ConsecutiveFailures,
						"error", res.err,
					)
				}
				e.fresh.IsStale = true
				e.fresh.err = domain.StaleData(op, e.fresh.ConsecutiveFailures)
				metrics.SetStale(true)
			}
		}
		e.logger.Warn("fetch failed, keeping last view-model",
			"kind", res.kind,
			"epoch", res.epoch,
			"error", res.err,
		)
		e.publish()
		return
	}

	metrics.FetchCompleted(string(res.kind), res.duration)
	if res.kind == fetchPoll {
		metrics.FallbackPoll(true)
	}

	added := e.merger.Absorb(res.current.Records)
	e.previous = res.previous.Records
	e.currentStats, e.previousStats = res.currentStats, res.previousStats
	if res.labels != nil {
		e.labels = *res.labels
	}
	e.truncated = res.current.Truncated
	e.loaded = true
	e.fresh = Freshness{LastFetchedAt: e.session.now()}
	metrics.SetStale(false)
	metrics.WorkingSetSize.Set(float64(e.merger.Len()))

	e.logger.Debug("fetch applied",
		"kind", res.kind,
		"epoch", res.epoch,
		"fetched", len(res.current.Records),
		"added", added,
		"working_set", e.merger.Len(),
		"requests", res.current.Requests+res.previous.Requests,
		"duration", res.duration,
	)

	e.rebuild()
	e.publish()
}

// rebuild re-derives the view-model from scratch. Until the epoch has a
// successful fetch the working set holds at most pushed records, so the
// previous view-model is kept instead.
func (e *Engine) rebuild() {
	if !e.loaded {
		return
	}
	vm := aggregate.Build(aggregate.Input{
		Current:       e.merger.Records(),
		Previous:      e.previous,
		Residual:      e.compiled.Residual,
		Windows:       e.windows,
		Granularity:   e.granularity,
		Location:      e.session.location(),
		CurrentStats:  e.currentStats,
		PreviousStats: e.previousStats,
		Compliance:    e.cfg.Compliance,
		CameraNames:   e.labels.Cameras,
		DomainNames:   e.labels.Domains,
	})
	e.vm = &vm
}

func (e *Engine) publish() {
	residual := e.compiled.Residual

	fresh := e.fresh
	state := live.Disconnected
	if e.link != nil {
		state = e.link.State()
		fresh.IsLive = e.link.IsLive()
	}

	s := &Snapshot{
		SessionID:        e.session.ID.String(),
		Epoch:            e.epoch,
		Range:            e.rng,
		Windows:          e.windows,
		DomainIDs:        slices.Clone(e.domainIDs),
		Filters:          e.filters,
		Compiled:         e.compiled,
		Loading:          !e.attempted,
		Truncated:        e.truncated,
		ViewModel:        e.vm,
		CriticalAlerts:   residual.Apply(e.merger.Critical()),
		RecentViolations: residual.Apply(e.merger.Recent()),
		Link:             state,
		Freshness:        fresh,
		WorkingSetSize:   e.merger.Len(),
		next:             make(chan struct{}),
	}
	if e.loaded {
		s.Violations = residual.Apply(e.merger.Records())
	}

	if old := e.snap.Swap(s); old != nil {
		close(old.next)
	}
}

func (e *Engine) subscribe(ctx context.Context) {
	const op = "engine.subscribe"

	e.unsubscribe()
	if e.deps.Subscriber == nil {
		return
	}
	sub, err := e.deps.Subscriber.Subscribe(ctx, e.domainIDs)
	if err != nil {
		e.logger.Warn("push subscription failed, polling only",
			"error", domain.SubscriptionLost(op, err),
		)
		return
	}
	e.sub = sub
	e.events = sub.Events()
}

func (e *Engine) unsubscribe() {
	if e.sub == nil {
		return
	}
	if err := e.sub.Unsubscribe(); err != nil {
		e.logger.Warn("unsubscribe failed", "error", err)
	}
	e.sub, e.events = nil, nil
	if e.link != nil && e.link.Disconnect(e.session.now()) {
		e.publish()
	}
}
