package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/store"
	"polyclaw/internal/types"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakeMarkets struct {
	mu         sync.Mutex
	events     []types.Event
	refreshErr error
	refreshes  int
	loaded     bool
}

func (f *fakeMarkets) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.loaded = true
	return nil
}

func (f *fakeMarkets) Events() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return nil
	}
	return f.events
}

func (f *fakeMarkets) Context(_ context.Context, tokenID string) (types.MarketContext, error) {
	if strings.HasPrefix(tokenID, "bad") {
		return types.MarketContext{}, errors.New("clob 404")
	}
	return types.MarketContext{TokenID: tokenID, Outcome: "Yes", Question: "q " + tokenID, Midpoint: 0.42, Spread: 0.02}, nil
}

func listing() []types.Event {
	return []types.Event{
		{ID: "1", Title: "Lakers vs Celtics", Slug: "lakers-celtics", Tags: []string{"NBA"}, Volume24h: 500,
			Markets: []types.Market{{Question: "Will the Lakers win?", TokenIDs: []string{"tok-lal", "tok-lal-no"}, OutcomePrices: []float64{0.4, 0.6}}}},
		{ID: "2", Title: "Fed decision", Slug: "fed-oct", Tags: []string{"economy"}, Volume24h: 9000,
			Markets: []types.Market{{Question: "Rate cut in October?", TokenIDs: []string{"tok-fed"}, OutcomePrices: []float64{0.7}}}},
		{ID: "3", Title: "Chiefs vs Bills", Slug: "chiefs-bills", Tags: []string{"nfl"}, Volume24h: 1200,
			Markets: []types.Market{
				{Question: "Chiefs win?", TokenIDs: []string{"tok-kc"}, OutcomePrices: []float64{0.55}},
				{Question: "Over 45.5?", TokenIDs: []string{"bad-ou"}, OutcomePrices: []float64{0.5}},
			}},
	}
}

func marketDeps(m *fakeMarkets, out *bytes.Buffer) Deps {
	return Deps{Out: out, Markets: func(context.Context) (Markets, error) { return m, nil }}
}

func seedLedgerFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := store.NewLedger(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Close()) }()
	ctx := context.Background()
	require.NoError(t, l.SaveRun(ctx, types.SimRun{ID: "r0", Strategy: "s", Status: types.RunStopped, StartingBalance: 1000, StartedAt: t0.Add(-time.Hour)}))
	require.NoError(t, l.SaveRun(ctx, types.SimRun{ID: "r1", Strategy: "sports_volatility", Status: types.RunRunning, StartingBalance: 1000, StartedAt: t0}))
	require.NoError(t, l.RecordTrade(ctx, eventbus.TradeData{
		TradeID: 1, RunID: "r1", Strategy: "sports_volatility", TokenID: "tok", Side: types.SideBuy,
		Price: 0.5, FillPrice: 0.5, Size: 10, BalanceAfter: 995, Success: true, Timestamp: t0,
	}))
	require.NoError(t, l.RecordTrade(ctx, eventbus.TradeData{
		TradeID: 2, RunID: "r1", Strategy: "sports_volatility", TokenID: "tok", Side: types.SideSell,
		Price: 0.7, FillPrice: 0.7, Size: 10, BalanceAfter: 1002, RealizedPnL: 2, Success: true, Timestamp: t0.Add(time.Minute),
	}))
	require.NoError(t, l.RecordClosedPosition(ctx, eventbus.PositionClosedData{
		RunID: "r1", Strategy: "sports_volatility", TokenID: "tok", Outcome: "Yes", Size: 10,
		EntryPrice: 0.5, ExitPrice: 0.7, RealizedPnL: 2, Reason: "take profit",
	}, t0.Add(time.Minute)))
	return path
}

func ledgerDeps(path string, out *bytes.Buffer) Deps {
	return Deps{Out: out, Ledger: func() (History, error) { return store.NewLedger(path) }}
}

func TestRun_HelpAndUnknown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), Deps{Out: &buf}, nil))
	assert.Contains(t, buf.String(), "usage: polyclaw")
	assert.Contains(t, buf.String(), "report [-format md|json|csv] [run_id]")

	err := Run(context.Background(), Deps{Out: &buf}, []string{"trade"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.True(t, IsCommand("markets"))
	assert.True(t, IsCommand("help"))
	assert.False(t, IsCommand("serve"))
}

func TestMarkets_SortsFiltersAndLimits(t *testing.T) {
	m := &fakeMarkets{events: listing()}
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"markets", "-limit", "2"}))
	assert.Equal(t, 1, m.refreshes, "an empty listing is loaded once")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "TITLE"))
	assert.True(t, strings.HasPrefix(lines[1], "Fed decision"))
	assert.True(t, strings.HasPrefix(lines[2], "Chiefs vs Bills"))
	assert.NotContains(t, buf.String(), "Lakers")
	assert.Contains(t, buf.String(), "showing 2 events")

	buf.Reset()
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"markets", "-tag", "nba"}))
	assert.Contains(t, buf.String(), "lakers-celtics")
	assert.NotContains(t, buf.String(), "fed-oct")
	assert.Equal(t, 1, m.refreshes, "a loaded listing is reused")

	buf.Reset()
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"markets", "-tag", "cricket"}))
	assert.Equal(t, "no markets found\n", buf.String())

	err := Run(context.Background(), marketDeps(m, &buf), []string{"markets", "-limit", "x"})
	assert.ErrorIs(t, err, ErrUsage)
}

func TestMarkets_ListingFailure(t *testing.T) {
	m := &fakeMarkets{refreshErr: errors.New("gamma 503")}
	var buf bytes.Buffer
	err := Run(context.Background(), marketDeps(m, &buf), []string{"markets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gamma 503")
}

func TestSearch_MatchesTitleAndQuestion(t *testing.T) {
	m := &fakeMarkets{events: listing()}
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"search", "rate", "cut"}))
	assert.Contains(t, buf.String(), "fed-oct")
	assert.NotContains(t, buf.String(), "lakers")

	buf.Reset()
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"search", "CHIEFS"}))
	assert.Contains(t, buf.String(), "chiefs-bills")

	buf.Reset()
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"search", "curling"}))
	assert.Contains(t, buf.String(), `no markets match "curling"`)

	assert.ErrorIs(t, Run(context.Background(), marketDeps(m, &buf), []string{"search"}), ErrUsage)
}

func TestMarket_ShowsLivePrices(t *testing.T) {
	m := &fakeMarkets{events: listing()}
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"market", "chiefs-bills"}))
	out := buf.String()
	assert.Contains(t, out, "Chiefs vs Bills (chiefs-bills)")
	assert.Contains(t, out, "tags: nfl")
	assert.Regexp(t, `Chiefs win\?\s+tok-kc\s+0\.550\s+0\.4200\s+0\.0200`, out)
	assert.Regexp(t, `Over 45\.5\?\s+bad-ou\s+0\.500\s+-\s+-`, out)

	err := Run(context.Background(), marketDeps(m, &buf), []string{"market", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `market "nope" not found`)
}

func TestPrices_PerToken(t *testing.T) {
	m := &fakeMarkets{events: listing()}
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), marketDeps(m, &buf), []string{"prices", "tok-kc", "bad-1"}))
	assert.Regexp(t, `tok-kc\s+Yes\s+0\.4200\s+0\.0200\s+q tok-kc`, buf.String())
	assert.Contains(t, buf.String(), "clob 404")

	err := Run(context.Background(), marketDeps(m, &buf), []string{"prices", "bad-1", "bad-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prices for 2 tokens")
	assert.ErrorIs(t, Run(context.Background(), marketDeps(m, &buf), []string{"prices"}), ErrUsage)
}

func TestLedgerCommands(t *testing.T) {
	path := seedLedgerFile(t)
	ctx := context.Background()
	var buf bytes.Buffer

	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"runs"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "r1"), "newest run first")

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"status"}))
	assert.Regexp(t, `run\s+r1`, buf.String())
	assert.Regexp(t, `balance\s+\$1002\.00`, buf.String())
	assert.Regexp(t, `trades\s+2 filled, 0 failed`, buf.String())
	assert.Regexp(t, `win rate\s+100\.0%`, buf.String())

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"balance", "r0"}))
	assert.Equal(t, "1000.00\n", buf.String())

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"positions"}))
	assert.Regexp(t, `tok\s+Yes\s+10\.00\s+0\.5000\s+0\.7000\s+\+2\.00\s+take profit`, buf.String())

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"positions", "r0"}))
	assert.Equal(t, "no closed positions in run r0\n", buf.String())

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"report"}))
	assert.Contains(t, buf.String(), "# Simulation Run Report")
	assert.Contains(t, buf.String(), "- **Run:** r1")

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"report", "-format", "json", "r1"}))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "r1", doc["run_id"])
	assert.Len(t, doc["trades"], 2)

	buf.Reset()
	require.NoError(t, Run(ctx, ledgerDeps(path, &buf), []string{"report", "-format", "csv", "r1"}))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 3)

	err := Run(ctx, ledgerDeps(path, &buf), []string{"report", "-format", "xlsx"})
	assert.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), `unknown format "xlsx"`)

	assert.ErrorIs(t, Run(ctx, ledgerDeps(path, &buf), []string{"status", "missing"}), store.ErrRunNotFound)
	assert.ErrorIs(t, Run(ctx, ledgerDeps(path, &buf), []string{"status", "r0", "r1"}), ErrUsage)
}

func TestLedgerCommands_EmptyLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), ledgerDeps(path, &buf), []string{"runs"}))
	assert.Equal(t, "no runs recorded\n", buf.String())
	assert.ErrorIs(t, Run(context.Background(), ledgerDeps(path, &buf), []string{"status"}), store.ErrRunNotFound)
}

func TestRun_MissingDeps(t *testing.T) {
	var buf bytes.Buffer
	err := Run(context.Background(), Deps{Out: &buf}, []string{"runs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger not configured")

	err = Run(context.Background(), Deps{Out: &buf}, []string{"markets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market data not configured")
}
