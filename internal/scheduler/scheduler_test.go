package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/executor"
	"polyclaw/internal/risk"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

const waitFor = 2 * time.Second

type fakeSource struct {
	mu      sync.Mutex
	mids    map[string]float64
	errs    map[string]error
	block   map[string]chan struct{}
	entered chan string
	calls   atomic.Int64
}

func newFakeSource(mids map[string]float64) *fakeSource {
	return &fakeSource{
		mids:    mids,
		errs:    map[string]error{},
		block:   map[string]chan struct{}{},
		entered: make(chan string, 64),
	}
}

func (f *fakeSource) Context(ctx context.Context, tokenID string) (types.MarketContext, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.block[tokenID]
	err := f.errs[tokenID]
	mid := f.mids[tokenID]
	f.mu.Unlock()

	select {
	case f.entered <- tokenID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return types.MarketContext{}, ctx.Err()
		}
	}
	if err != nil {
		return types.MarketContext{}, err
	}
	return types.MarketContext{
		TokenID:  tokenID,
		MarketID: "mkt-" + tokenID,
		Outcome:  "Yes",
		Title:    "market " + tokenID,
		Midpoint: mid,
		Spread:   0.02,
	}, nil
}

func (f *fakeSource) setBlock(token string, ch chan struct{}) {
	f.mu.Lock()
	f.block[token] = ch
	f.mu.Unlock()
}

type scriptStrategy struct {
	evaluate    func(types.MarketContext) (*types.TradeSignal, error)
	shouldClose func(types.Position, types.MarketContext) (*types.TradeSignal, error)
}

func (s *scriptStrategy) Name() string { return "script" }
func (s *scriptStrategy) Description() string { return "scripted test strategy" }
func (s *scriptStrategy) Configure(map[string]any) error { return nil }
func (s *scriptStrategy) ScanCandidates([]types.MarketContext) []strategy.Candidate {
	return nil
}

func (s *scriptStrategy) Evaluate(c types.MarketContext) (*types.TradeSignal, error) {
	if s.evaluate == nil {
		return nil, nil
	}
	return s.evaluate(c)
}

func (s *scriptStrategy) ShouldClose(p types.Position, c types.MarketContext) (*types.TradeSignal, error) {
	if s.shouldClose == nil {
		return nil, nil
	}
	return s.shouldClose(p, c)
}

func buyOnce(tokens ...string) func(types.MarketContext) (*types.TradeSignal, error) {
	var mu sync.Mutex
	done := map[string]bool{}
	want := map[string]bool{}
	for _, t := range tokens {
		want[t] = true
	}
	return func(c types.MarketContext) (*types.TradeSignal, error) {
		mu.Lock()
		defer mu.Unlock()
		if !want[c.TokenID] || done[c.TokenID] {
			return nil, nil
		}
		done[c.TokenID] = true
		return &types.TradeSignal{Side: types.SideBuy, Price: c.Midpoint, Size: 10, Confidence: 0.8}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(evt eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func (r *recorder) ofType(t eventbus.Type) []eventbus.Event {
	var out []eventbus.Event
	for _, evt := range r.all() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) types() []eventbus.Type {
	var out []eventbus.Type
	for _, evt := range r.all() {
		out = append(out, evt.Type)
	}
	return out
}

func testConfig() Config {
	return Config{
		TickInterval:     time.Hour,
		SnapshotEvery:    1,
		FetchTimeout:     time.Second,
		FetchConcurrency: 4,
		Executor:         executor.Config{StartingBalance: 1000, SlippageBps: 10},
		Risk:             risk.Limits{MinConfidence: 0.6, MaxPositionSize: 50, MaxOpenPositions: 10, MaxDailyTrades: 20},
	}
}

func newTestScheduler(t *testing.T, cfg Config, src MarketSource) (*Scheduler, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := &recorder{}
	_, err := bus.Subscribe(eventbus.Wildcard, rec.handle)
	require.NoError(t, err)
	s := New(cfg, bus, src)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func waitTicks(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().TickCount >= n }, waitFor, 2*time.Millisecond)
}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Wait():
	case <-time.After(waitFor):
		t.Fatal("loop did not exit")
	}
}

func TestScheduler_TickSequence(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.50, "b": 0.30})
	s, rec := newTestScheduler(t, testConfig(), src)

	run, err := s.Start(&scriptStrategy{evaluate: buyOnce("a")}, []string{"a", "b"}, RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, "script", run.Strategy)

	waitTicks(t, s, 1)
	s.Stop()
	waitDone(t, s)

	assert.Equal(t, []eventbus.Type{
		eventbus.TypeSimStatus,
		eventbus.TypeTick,
		eventbus.TypePriceUpdate,
		eventbus.TypePriceUpdate,
		eventbus.TypeSignalEmitted,
		eventbus.TypeRiskVerdict,
		eventbus.TypeTradeExecuted,
		eventbus.TypePositionUpdated,
		eventbus.TypeSnapshot,
		eventbus.TypeSimStatus,
		eventbus.TypeSimStatus,
	}, rec.types())

	tick := rec.ofType(eventbus.TypeTick)[0].Data.(eventbus.TickData)
	assert.Equal(t, 1, tick.TickNumber)
	assert.Equal(t, 2, tick.MarketsScanned)

	trade := rec.ofType(eventbus.TypeTradeExecuted)[0].Data.(eventbus.TradeData)
	assert.True(t, trade.Success)
	assert.Equal(t, run.ID, trade.RunID)
	assert.Equal(t, "mkt-a", trade.MarketID)
	assert.Equal(t, "script", trade.Strategy)
	assert.InDelta(t, 0.5005, trade.FillPrice, 1e-9)
	assert.InDelta(t, 994.995, trade.BalanceAfter, 1e-9)

	statuses := rec.ofType(eventbus.TypeSimStatus)
	assert.Equal(t, types.RunStopping, statuses[1].Data.(eventbus.SimStatusData).Status)
	final := statuses[2].Data.(eventbus.SimStatusData)
	assert.Equal(t, types.RunStopped, final.Status)
	assert.Equal(t, 1, final.TotalTrades)

	st := s.State()
	assert.Equal(t, types.RunStopped, st.Status)
	assert.Equal(t, 1, st.TickCount)
	assert.Equal(t, 1, st.OpenPositionCount)
	assert.InDelta(t, 994.995, st.Balance, 1e-9)
	assert.Equal(t, []string{"a", "b"}, st.Watchlist)
}

func TestScheduler_PartialFailureIsolation(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5})
	src.errs["b"] = errors.New("gamma 502")
	strat := &scriptStrategy{evaluate: func(c types.MarketContext) (*types.TradeSignal, error) {
		if c.TokenID == "a" {
			panic("bad math")
		}
		return &types.TradeSignal{Side: types.SideBuy, Price: c.Midpoint, Size: 10, Confidence: 0.9}, nil
	}}
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(strat, []string{"a", "b", "c"}, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)

	errs := rec.ofType(eventbus.TypeError)
	require.Len(t, errs, 2)
	fetchErr := errs[0].Data.(eventbus.ErrorData)
	assert.Equal(t, "b", fetchErr.TokenID)
	assert.Contains(t, fetchErr.Error, "gamma 502")
	assert.Equal(t, 1, fetchErr.TickNumber)
	evalErr := errs[1].Data.(eventbus.ErrorData)
	assert.Equal(t, "mkt-a", evalErr.MarketID)
	assert.Contains(t, evalErr.Error, "panicked")

	trades := rec.ofType(eventbus.TypeTradeExecuted)
	require.Len(t, trades, 1)
	assert.Equal(t, "c", trades[0].Data.(eventbus.TradeData).TokenID)
	assert.Equal(t, types.RunRunning, s.State().Status)
}

func TestScheduler_StopIsNonBlocking(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	release := make(chan struct{})
	src.setBlock("a", release)
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{evaluate: buyOnce("a")}, []string{"a"}, RunOptions{})
	require.NoError(t, err)
	select {
	case <-src.entered:
	case <-time.After(waitFor):
		t.Fatal("tick never started fetching")
	}

	begin := time.Now()
	s.Stop()
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, types.RunStopping, s.State().Status)
	assert.Equal(t, 0, s.State().TickCount)

	close(release)
	waitDone(t, s)

	st := s.State()
	assert.Equal(t, types.RunStopped, st.Status)
	assert.Equal(t, 1, st.TickCount)
	assert.Len(t, rec.ofType(eventbus.TypeTradeExecuted), 1)
	all := rec.types()
	assert.Equal(t, eventbus.TypeSimStatus, all[len(all)-1])
	assert.Equal(t, types.RunStopped, rec.ofType(eventbus.TypeSimStatus)[2].Data.(eventbus.SimStatusData).Status)
}

func TestScheduler_FetchTimeoutIsPerMarket(t *testing.T) {
	src := newFakeSource(map[string]float64{"slow": 0.5, "fast": 0.4})
	src.setBlock("slow", make(chan struct{}))
	cfg := testConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	s, rec := newTestScheduler(t, cfg, src)

	_, err := s.Start(&scriptStrategy{}, []string{"slow", "fast"}, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)

	errs := rec.ofType(eventbus.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "slow", errs[0].Data.(eventbus.ErrorData).TokenID)
	assert.ErrorContains(t, errors.New(errs[0].Data.(eventbus.ErrorData).Error), context.DeadlineExceeded.Error())
	prices := rec.ofType(eventbus.TypePriceUpdate)
	require.Len(t, prices, 1)
	assert.Equal(t, "fast", prices[0].Data.(eventbus.PriceData).TokenID)
}

func TestScheduler_PauseResume(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{evaluate: buyOnce("a")}, []string{"a"}, RunOptions{TickInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	waitTicks(t, s, 2)

	require.NoError(t, s.Pause())
	require.NoError(t, s.Pause())
	require.Eventually(t, func() bool {
		return s.State().TickCount == len(rec.ofType(eventbus.TypeTick))
	}, waitFor, time.Millisecond)
	paused := s.State()
	ticksAtPause := len(rec.ofType(eventbus.TypeTick))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, ticksAtPause, len(rec.ofType(eventbus.TypeTick)))
	assert.Equal(t, types.RunPaused, s.State().Status)
	assert.Equal(t, paused.TickCount, s.State().TickCount)

	require.NoError(t, s.Resume())
	waitTicks(t, s, paused.TickCount+2)
	st := s.State()
	assert.Equal(t, paused.RunID, st.RunID)
	assert.Equal(t, 1, st.OpenPositionCount)
	assert.Equal(t, 1, st.TotalTrades)

	ticks := rec.ofType(eventbus.TypeTick)
	for i, evt := range ticks {
		assert.Equal(t, i+1, evt.Data.(eventbus.TickData).TickNumber)
	}
}

func TestScheduler_LifecycleMisuse(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	s, _ := newTestScheduler(t, testConfig(), src)

	s.Stop()
	assert.Equal(t, types.RunIdle, s.State().Status)
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)
	assert.ErrorIs(t, s.Resume(), ErrNotRunning)
	_, err := s.Start(nil, []string{"a"}, RunOptions{})
	assert.ErrorIs(t, err, ErrNoStrategy)

	first, err := s.Start(&scriptStrategy{}, []string{"a"}, RunOptions{})
	require.NoError(t, err)
	_, err = s.Start(&scriptStrategy{}, []string{"a"}, RunOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	st, _ := s.Run()
	assert.Equal(t, first.ID, st.ID)

	s.Stop()
	waitDone(t, s)
	s.Stop()
	assert.Equal(t, types.RunStopped, s.State().Status)

	second, err := s.Start(&scriptStrategy{}, nil, RunOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{"a"}, second.Watchlist)
}

func TestScheduler_CompletesAfterDuration(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{evaluate: buyOnce("a")}, []string{"a"},
		RunOptions{TickInterval: 5 * time.Millisecond, Duration: 30 * time.Millisecond})
	require.NoError(t, err)
	waitDone(t, s)

	st := s.State()
	assert.Equal(t, types.RunCompleted, st.Status)
	assert.GreaterOrEqual(t, st.TickCount, 1)
	statuses := rec.ofType(eventbus.TypeSimStatus)
	final := statuses[len(statuses)-1].Data.(eventbus.SimStatusData)
	assert.Equal(t, types.RunCompleted, final.Status)
	assert.Equal(t, 1, final.TotalTrades)
	assert.InDelta(t, 994.995, final.Balance, 1e-9)

	run, ok := s.Run()
	require.True(t, ok)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, types.RunCompleted, run.Status)
}

func TestScheduler_EntryThenExitOrdering(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	strat := &scriptStrategy{
		evaluate: buyOnce("a"),
		shouldClose: func(p types.Position, c types.MarketContext) (*types.TradeSignal, error) {
			return &types.TradeSignal{Side: types.SideSell, Price: c.Midpoint, Size: p.Size, Confidence: 0.9, Reasoning: "take profit"}, nil
		},
	}
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(strat, []string{"a"}, RunOptions{TickInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	waitTicks(t, s, 2)
	s.Stop()
	waitDone(t, s)

	signals := rec.ofType(eventbus.TypeSignalEmitted)
	require.GreaterOrEqual(t, len(signals), 2)
	entry := signals[0].Data.(eventbus.SignalData)
	exit := signals[1].Data.(eventbus.SignalData)
	assert.False(t, entry.Exit)
	assert.Equal(t, types.SideBuy, entry.Side)
	assert.True(t, exit.Exit)
	assert.Equal(t, types.SideSell, exit.Side)

	closed := rec.ofType(eventbus.TypePositionClosed)
	require.Len(t, closed, 1)
	c := closed[0].Data.(eventbus.PositionClosedData)
	assert.Equal(t, "a", c.TokenID)
	assert.InDelta(t, 0.5005, c.EntryPrice, 1e-9)
	assert.InDelta(t, 0.4995, c.ExitPrice, 1e-9)
	assert.InDelta(t, -0.01, c.RealizedPnL, 1e-9)
	assert.Equal(t, 0, s.State().OpenPositionCount)
}

func TestScheduler_WatchlistChangeWaitsForNextTick(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5})
	release := make(chan struct{})
	src.setBlock("a", release)
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{}, []string{"a", "b"}, RunOptions{TickInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	select {
	case <-src.entered:
	case <-time.After(waitFor):
		t.Fatal("tick never started fetching")
	}
	s.SetWatchlist([]string{"c", "c", " "})
	assert.Equal(t, []string{"c"}, s.Watchlist())
	close(release)
	waitTicks(t, s, 2)

	ticks := rec.ofType(eventbus.TypeTick)
	assert.Equal(t, 2, ticks[0].Data.(eventbus.TickData).MarketsScanned)
	assert.Equal(t, 1, ticks[1].Data.(eventbus.TickData).MarketsScanned)
}

func TestScheduler_RiskRejectionInLoop(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5, "b": 0.5})
	cfg := testConfig()
	cfg.Risk.MaxDailyTrades = 1
	s, rec := newTestScheduler(t, cfg, src)

	_, err := s.Start(&scriptStrategy{evaluate: buyOnce("a", "b")}, []string{"a", "b"}, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)

	verdicts := rec.ofType(eventbus.TypeRiskVerdict)
	require.Len(t, verdicts, 2)
	assert.True(t, verdicts[0].Data.(eventbus.RiskVerdictData).Approved)
	second := verdicts[1].Data.(eventbus.RiskVerdictData)
	assert.False(t, second.Approved)
	assert.Equal(t, risk.RuleMaxDailyTrades, second.Rule)
	assert.Len(t, rec.ofType(eventbus.TypeTradeExecuted), 1)
}

func TestScheduler_Settle(t *testing.T) {
	src := newFakeSource(map[string]float64{"a": 0.5})
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{evaluate: buyOnce("a")}, []string{"a"}, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)

	s.Settle("mkt-a", "Yes")
	require.Eventually(t, func() bool {
		return s.State().OpenPositionCount == 0 && len(rec.ofType(eventbus.TypePositionClosed)) == 1
	}, waitFor, 2*time.Millisecond)
	closed := rec.ofType(eventbus.TypePositionClosed)
	require.Len(t, closed, 1)
	d := closed[0].Data.(eventbus.PositionClosedData)
	assert.Equal(t, 1.0, d.ExitPrice)
	assert.InDelta(t, 4.995, d.RealizedPnL, 1e-9)
	assert.InDelta(t, 1004.995, s.State().Balance, 1e-9)
	assert.Equal(t, 1, s.State().TickCount)

	s.Stop()
	waitDone(t, s)
	s.Settle("mkt-a", "No")
	assert.Len(t, rec.ofType(eventbus.TypePositionClosed), 1)
}

type listingSource struct {
	*fakeSource
	tokens     []string
	listErr    error
	prefetched atomic.Pointer[[]string]
}

func (l *listingSource) Tokens(context.Context) ([]string, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	return append([]string(nil), l.tokens...), nil
}

func (l *listingSource) Prefetch(_ context.Context, tokenIDs []string) error {
	ids := append([]string(nil), tokenIDs...)
	l.prefetched.Store(&ids)
	return errors.New("batch endpoint down")
}

func TestScheduler_EmptyWatchlistScansListedMarkets(t *testing.T) {
	src := &listingSource{
		fakeSource: newFakeSource(map[string]float64{"a": 0.5, "b": 0.4}),
		tokens:     []string{"a", "b"},
	}
	var evaluated atomic.Int32
	strat := &scriptStrategy{evaluate: func(c types.MarketContext) (*types.TradeSignal, error) {
		evaluated.Add(1)
		return nil, nil
	}}
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(strat, nil, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)
	s.Stop()
	waitDone(t, s)

	assert.EqualValues(t, 2, evaluated.Load())
	assert.EqualValues(t, 2, src.calls.Load())
	tick := rec.ofType(eventbus.TypeTick)[0].Data.(eventbus.TickData)
	assert.Equal(t, 2, tick.MarketsScanned)
	require.NotNil(t, src.prefetched.Load())
	assert.Equal(t, []string{"a", "b"}, *src.prefetched.Load())
	assert.Len(t, rec.ofType(eventbus.TypePriceUpdate), 2, "a failed prefetch does not stop per-token fetches")
	assert.Empty(t, s.State().Watchlist, "the listing never replaces the configured watchlist")
}

func TestScheduler_ListingFailureIsReported(t *testing.T) {
	src := &listingSource{fakeSource: newFakeSource(nil), listErr: errors.New("gamma 503")}
	s, rec := newTestScheduler(t, testConfig(), src)

	_, err := s.Start(&scriptStrategy{}, nil, RunOptions{})
	require.NoError(t, err)
	waitTicks(t, s, 1)
	s.Stop()
	waitDone(t, s)

	errs := rec.ofType(eventbus.TypeError)
	require.Len(t, errs, 1)
	d := errs[0].Data.(eventbus.ErrorData)
	assert.Contains(t, d.Error, "gamma 503")
	assert.Equal(t, 1, d.TickNumber)
	assert.Zero(t, src.calls.Load())
	assert.Equal(t, types.RunStopped, s.State().Status)
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"45":  45 * time.Second,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "h", "0m", "-5", "3y", "abc"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
}
