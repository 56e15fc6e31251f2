package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/fetch"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/window"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type queryFunc func(ctx context.Context, q domain.ViolationQuery) (domain.ViolationPage, error)

type fakeQuerier struct {
	mu      sync.Mutex
	handler queryFunc
	queries []domain.ViolationQuery
}

func (f *fakeQuerier) QueryViolations(ctx context.Context, q domain.ViolationQuery) (domain.ViolationPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	h := f.handler
	f.mu.Unlock()
	return h(ctx, q)
}

func (f *fakeQuerier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// callsFor counts queries for the window starting at start.
func (f *fakeQuerier) callsFor(start time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if q.StartTime.Equal(start) {
			n++
		}
	}
	return n
}

type fakeSubscription struct {
	events       chan domain.PushEvent
	domainIDs    []string
	unsubscribed atomic.Int32
}

func (s *fakeSubscription) Events() <-chan domain.PushEvent { return s.events }

func (s *fakeSubscription) Unsubscribe() error {
	s.unsubscribed.Add(1)
	return nil
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, domainIDs []string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSubscription{events: make(chan domain.PushEvent, 16), domainIDs: domainIDs}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) all() []*fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSubscription(nil), f.subs...)
}

// =============================================================================
// Helpers
// =============================================================================

func record(id string, age time.Duration, sev domain.Severity) domain.Violation {
	return domain.Violation{
		ID:         id,
		Timestamp:  now.Add(-age),
		DomainID:   "d1",
		CameraID:   "cam-1",
		Severity:   sev,
		Status:     domain.StatusOpen,
		MissingPPE: []domain.MissingPPE{{Type: domain.PPEHardHat, Required: true}},
		Confidence: 0.9,
	}
}

// serve answers every query with the records matching the query window and
// equality parameters.
func serve(records ...domain.Violation) queryFunc {
	return func(_ context.Context, q domain.ViolationQuery) (domain.ViolationPage, error) {
		w := domain.TimeWindow{Start: q.StartTime, End: q.EndTime}
		p := filter.ServerParams{
			DomainID: q.DomainID,
			CameraID: q.CameraID,
			PPEType:  q.PPEType,
			Severity: q.Severity,
			Status:   q.Status,
		}
		var items []domain.Violation
		for _, r := range records {
			if w.Contains(r.Timestamp) && p.Matches(r) {
				items = append(items, r)
			}
		}
		return domain.ViolationPage{Items: items, Total: len(items)}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Range = window.Range7d
	cfg.FallbackInterval = time.Hour
	cfg.Fetch = fetch.Config{PageSize: domain.MaxPageSize, MaxTotal: 500}
	cfg.WorkingSetCap = 1000
	return cfg
}

func testSession(domainIDs ...string) Session {
	return Session{
		ID:        uuid.New(),
		DomainIDs: domainIDs,
		Location:  time.UTC,
		Now:       func() time.Time { return now },
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-stopped:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func waitLoaded(t *testing.T, e *Engine) *Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := e.WaitLoaded(ctx)
	require.NoError(t, err)
	return s
}

func violationIDs(s *Snapshot) []string {
	ids := make([]string, 0, len(s.Violations))
	for _, v := range s.Violations {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	return ids
}

func pushEvent(t *testing.T, v domain.Violation) domain.PushEvent {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return domain.PushEvent{Type: domain.PushViolation, Payload: payload, At: now}
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), Deps{}, testSession(), discard())
	require.Error(t, err)
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))

	cfg := testConfig()
	cfg.Fetch.PageSize = domain.MaxPageSize + 1
	_, err = New(cfg, Deps{Querier: &fakeQuerier{handler: serve()}}, testSession(), discard())
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))

	e, err := New(testConfig(), Deps{Querier: &fakeQuerier{handler: serve()}}, Session{}, discard())
	require.NoError(t, err)
	assert.NotEmpty(t, e.Snapshot().SessionID)
	assert.True(t, e.Snapshot().Loading)
	assert.Nil(t, e.Snapshot().ViewModel)
}

func TestEngine_InitialLoad(t *testing.T) {
	q := &fakeQuerier{handler: serve(
		record("a", time.Hour, domain.SeverityHigh),
		record("b", 2*time.Hour, domain.SeverityCritical),
		record("old", 8*24*time.Hour, domain.SeverityLow),
	)}
	e, err := New(testConfig(), Deps{Querier: q}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)

	s := waitLoaded(t, e)
	require.NotNil(t, s.ViewModel)
	assert.Equal(t, 2, s.ViewModel.Totals.Total)
	assert.Equal(t, 1, s.ViewModel.PreviousTotals.Total)
	assert.Equal(t, []string{"a", "b"}, violationIDs(s))
	assert.Equal(t, "d1", s.Compiled.Server.DomainID)
	assert.False(t, s.Freshness.LastFetchedAt.IsZero())
	assert.Len(t, s.CriticalAlerts, 1)
	assert.Equal(t, "a", s.RecentViolations[0].ID)
}

func TestEngine_FallbackPollsMergeWithPushedRecords(t *testing.T) {
	windows := window.Resolve(window.Range7d, now, nil)
	batches := [][]domain.Violation{
		{record("a", time.Hour, domain.SeverityHigh)},
		{record("a", time.Hour, domain.SeverityHigh), record("b", 2*time.Hour, domain.SeverityHigh)},
		{record("b", 2*time.Hour, domain.SeverityHigh), record("c", 3*time.Hour, domain.SeverityHigh)},
	}

	q := &fakeQuerier{}
	q.handler = func(ctx context.Context, dq domain.ViolationQuery) (domain.ViolationPage, error) {
		if !dq.StartTime.Equal(windows.Current.Start) {
			return domain.ViolationPage{}, nil
		}
		n := min(q.callsFor(windows.Current.Start), len(batches)) - 1
		return domain.ViolationPage{Items: batches[n], Total: len(batches[n])}, nil
	}

	sub := &fakeSubscriber{}
	cfg := testConfig()
	cfg.FallbackInterval = 20 * time.Millisecond

	e, err := New(cfg, Deps{Querier: q, Subscriber: sub}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)
	waitLoaded(t, e)

	require.Len(t, sub.all(), 1)
	events := sub.all()[0].events
	events <- domain.PushEvent{Type: domain.PushConnected, At: now}
	events <- pushEvent(t, record("p", 30*time.Minute, domain.SeverityCritical))

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return s.Freshness.IsLive && s.WorkingSetSize >= 2
	}, 2*time.Second, 5*time.Millisecond)

	baseline := q.callsFor(windows.Current.Start)
	events <- domain.PushEvent{Type: domain.PushDisconnected, Err: errors.New("socket closed"), At: now}

	require.Eventually(t, func() bool {
		return q.callsFor(windows.Current.Start) >= max(baseline+2, len(batches))
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return len(s.Violations) == 4
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Snapshot()
	assert.Equal(t, []string{"a", "b", "c", "p"}, violationIDs(s))
	assert.Equal(t, 4, s.WorkingSetSize)
	assert.False(t, s.Freshness.IsLive)
	assert.Equal(t, "p", s.CriticalAlerts[0].ID)
}

func TestEngine_PushIgnoresOutOfScopeAndDuplicates(t *testing.T) {
	q := &fakeQuerier{handler: serve(record("a", time.Hour, domain.SeverityHigh))}
	sub := &fakeSubscriber{}
	e, err := New(testConfig(), Deps{Querier: q, Subscriber: sub}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)
	waitLoaded(t, e)

	other := record("x", time.Minute, domain.SeverityHigh)
	other.DomainID = "d2"

	events := sub.all()[0].events
	events <- pushEvent(t, other)
	events <- pushEvent(t, record("a", time.Hour, domain.SeverityHigh))
	events <- domain.PushEvent{Type: domain.PushViolation, Payload: json.RawMessage(`{"id":`), At: now}
	events <- pushEvent(t, record("n", time.Minute, domain.SeverityLow))

	require.Eventually(t, func() bool {
		return e.Snapshot().WorkingSetSize == 2
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Snapshot()
	assert.Equal(t, []string{"a", "n"}, violationIDs(s))
	assert.Equal(t, 2, s.ViewModel.Totals.Total)
}

func TestEngine_ResidualChangeDoesNotRefetch(t *testing.T) {
	q := &fakeQuerier{handler: serve(
		record("h", time.Hour, domain.SeverityHigh),
		record("c", 2*time.Hour, domain.SeverityCritical),
		record("l", 3*time.Hour, domain.SeverityLow),
	)}
	e, err := New(testConfig(), Deps{Querier: q}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)
	first := waitLoaded(t, e)
	assert.Equal(t, 3, first.ViewModel.Totals.Total)
	calls := q.calls()

	ctx := context.Background()
	err = e.SetFilters(ctx, domain.FilterSet{
		Severities: []domain.Severity{domain.SeverityHigh, domain.SeverityCritical},
	})
	require.NoError(t, err)

	s := e.Snapshot()
	assert.Equal(t, first.Epoch, s.Epoch)
	assert.Equal(t, 2, s.ViewModel.Totals.Total)
	assert.Equal(t, []string{"c", "h"}, violationIDs(s))
	assert.Equal(t, []string{"severity"}, s.Compiled.ResidualDimensions)
	assert.Equal(t, calls, q.calls())

	err = e.SetFilters(ctx, domain.FilterSet{Severities: []domain.Severity{domain.SeverityLow}})
	require.NoError(t, err)

	s = waitLoaded(t, e)
	assert.Equal(t, first.Epoch+1, s.Epoch)
	assert.Equal(t, domain.SeverityLow, s.Compiled.Server.Severity)
	assert.Equal(t, []string{"l"}, violationIDs(s))
	assert.Greater(t, q.calls(), calls)
}

func TestEngine_WindowChangeDiscardsOldFetch(t *testing.T) {
	old := window.Resolve(window.Range30d, now, nil)
	gate := make(chan struct{})

	q := &fakeQuerier{}
	q.handler = func(ctx context.Context, dq domain.ViolationQuery) (domain.ViolationPage, error) {
		if dq.StartTime.Equal(old.Current.Start) || dq.StartTime.Equal(old.Previous.Start) {
			<-gate
			r := record("old", time.Hour, domain.SeverityHigh)
			return domain.ViolationPage{Items: []domain.Violation{r}, Total: 1}, nil
		}
		return serve(record("new", 2*time.Hour, domain.SeverityHigh))(ctx, dq)
	}

	cfg := testConfig()
	cfg.Range = window.Range30d
	e, err := New(cfg, Deps{Querier: q}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return q.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.SetWindow(context.Background(), window.Range7d, nil))

	s := waitLoaded(t, e)
	assert.Equal(t, window.Range7d, s.Range)
	assert.Equal(t, []string{"new"}, violationIDs(s))

	close(gate)
	assert.Never(t, func() bool {
		ids := violationIDs(e.Snapshot())
		return len(ids) != 1 || ids[0] != "new"
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEngine_ApplyFetchDropsOldEpoch(t *testing.T) {
	e, err := New(testConfig(), Deps{Querier: &fakeQuerier{handler: serve()}}, testSession("d1"), discard())
	require.NoError(t, err)
	e.epoch = 2

	e.applyFetch(fetchResult{
		epoch:   1,
		kind:    fetchInitial,
		current: fetch.Result{Records: []domain.Violation{record("stale", time.Hour, domain.SeverityHigh)}},
	})

	assert.Zero(t, e.merger.Len())
	assert.False(t, e.loaded)

	e.applyFetch(fetchResult{
		epoch:   2,
		kind:    fetchInitial,
		current: fetch.Result{Records: []domain.Violation{record("fresh", time.Hour, domain.SeverityHigh)}},
	})
	assert.Equal(t, 1, e.merger.Len())
	assert.Equal(t, []string{"fresh"}, violationIDs(e.Snapshot()))
}

func TestEngine_FailedRefreshKeepsViewModel(t *testing.T) {
	var failing atomic.Bool
	ok := serve(record("a", time.Hour, domain.SeverityHigh), record("b", 2*time.Hour, domain.SeverityLow))
	q := &fakeQuerier{handler: func(ctx context.Context, dq domain.ViolationQuery) (domain.ViolationPage, error) {
		if failing.Load() {
			return domain.ViolationPage{}, errors.New("backend unavailable")
		}
		return ok(ctx, dq)
	}}

	e, err := New(testConfig(), Deps{Querier: q}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)
	loaded := waitLoaded(t, e)

	failing.Store(true)
	require.NoError(t, e.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		return e.Snapshot().Freshness.RefreshFailed
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Snapshot()
	assert.Same(t, loaded.ViewModel, s.ViewModel)
	assert.Equal(t, 2, s.ViewModel.Totals.Total)
	assert.False(t, s.Freshness.IsStale)
	assert.Equal(t, domain.EFETCH, domain.ErrorCode(s.Freshness.Err()))
	assert.Equal(t, loaded.Freshness.LastFetchedAt, s.Freshness.LastFetchedAt)

	failing.Store(false)
	require.NoError(t, e.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		return !e.Snapshot().Freshness.RefreshFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_StaleAfterConsecutivePollFailures(t *testing.T) {
	var failing atomic.Bool
	ok := serve(record("a", time.Hour, domain.SeverityHigh))
	q := &fakeQuerier{handler: func(ctx context.Context, dq domain.ViolationQuery) (domain.ViolationPage, error) {
		if failing.Load() {
			return domain.ViolationPage{}, errors.New("backend unavailable")
		}
		return ok(ctx, dq)
	}}

	cfg := testConfig()
	cfg.FallbackInterval = 10 * time.Millisecond
	e, err := New(cfg, Deps{Querier: q}, testSession("d1"), discard())
	require.NoError(t, err)
	start(t, e)
	waitLoaded(t, e)

	failing.Store(true)
	require.Eventually(t, func() bool {
		return e.Snapshot().Freshness.IsStale
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Snapshot()
	assert.GreaterOrEqual(t, s.Freshness.ConsecutiveFailures, 3)
	assert.True(t, domain.IsCode(s.Freshness.Err(), domain.ESTALE))
	require.NotNil(t, s.ViewModel)
	assert.Equal(t, 1, s.ViewModel.Totals.Total)

	failing.Store(false)
	require.Eventually(t, func() bool {
		f := e.Snapshot().Freshness
		return !f.IsStale && f.ConsecutiveFailures == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_SetDomainsResubscribes(t *testing.T) {
	q := &fakeQuerier{handler: serve(record("a", time.Hour, domain.SeverityHigh))}
	sub := &fakeSubscriber{}
	e, err := New(testConfig(), Deps{Querier: q, Subscriber: sub}, testSession("d1", "d2"), discard())
	require.NoError(t, err)
	start(t, e)
	first := waitLoaded(t, e)
	assert.Equal(t, []string{"domain"}, first.Compiled.ResidualDimensions)

	ctx := context.Background()
	err = e.SetFilters(ctx, domain.FilterSet{DomainIDs: []string{"d9"}})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	require.NoError(t, e.SetDomains(ctx, []string{"d2"}))
	s := waitLoaded(t, e)

	subs := sub.all()
	require.Len(t, subs, 2)
	assert.EqualValues(t, 1, subs[0].unsubscribed.Load())
	assert.Equal(t, []string{"d2"}, subs[1].domainIDs)
	assert.Equal(t, first.Epoch+1, s.Epoch)
	assert.Equal(t, "d2", s.Compiled.Server.DomainID)
	assert.Empty(t, violationIDs(s))
}

func TestEngine_RunTwice(t *testing.T) {
	e, err := New(testConfig(), Deps{Querier: &fakeQuerier{handler: serve()}}, testSession(), discard())
	require.NoError(t, err)
	start(t, e)
	waitLoaded(t, e)

	err = e.Run(context.Background())
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestEngine_DayRolloverMovesWindow(t *testing.T) {
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	session := testSession("d1")
	session.Now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	q := &fakeQuerier{handler: serve(record("a", time.Hour, domain.SeverityHigh))}
	sub := &fakeSubscriber{}
	e, err := New(testConfig(), Deps{Querier: q, Subscriber: sub}, session, discard())
	require.NoError(t, err)

	d, ok := e.rolloverDelay()
	require.True(t, ok)
	assert.Equal(t, 9*time.Hour+window.Resolution, d)

	start(t, e)
	first := waitLoaded(t, e)

	events := sub.all()[0].events
	events <- domain.PushEvent{Type: domain.PushConnected, At: now}
	require.Eventually(t, func() bool {
		return e.Snapshot().Freshness.IsLive
	}, 2*time.Second, 5*time.Millisecond)

	later := now.Add(12 * time.Hour)
	clock.Store(later.UnixNano())
	events <- pushEvent(t, record("late", -12*time.Hour, domain.SeverityCritical))

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return len(s.CriticalAlerts) == 1 && len(s.Violations) == 2
	}, 2*time.Second, 5*time.Millisecond)

	s := e.Snapshot()
	assert.Greater(t, s.Epoch, first.Epoch)
	assert.Equal(t, "late", s.CriticalAlerts[0].ID)
	assert.Equal(t, []string{"a", "late"}, violationIDs(s))
	assert.True(t, s.Windows.Current.Contains(later))
	assert.True(t, s.Windows.Current.Start.After(first.Windows.Current.Start))

	require.Eventually(t, func() bool {
		return q.callsFor(s.Windows.Current.Start) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_CustomRangeNeverRolls(t *testing.T) {
	e, err := New(testConfig(), Deps{Querier: &fakeQuerier{handler: serve()}}, testSession("d1"), discard())
	require.NoError(t, err)
	e.rng = window.RangeCustom

	_, ok := e.rolloverDelay()
	assert.False(t, ok)
}
