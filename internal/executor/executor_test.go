package executor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyclaw/internal/types"
)

func signal(side types.Side, size float64) types.TradeSignal {
	return types.TradeSignal{
		TokenID:    "tok-yes",
		MarketID:   "mkt-1",
		Side:       side,
		Outcome:    "Yes",
		Price:      0.5,
		Size:       size,
		Confidence: 0.8,
		Strategy:   "test",
	}
}

func ctxAt(mid float64) types.MarketContext {
	return types.MarketContext{TokenID: "tok-yes", MarketID: "mkt-1", Outcome: "Yes", Midpoint: mid}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestExecute_BuyAppliesSlippage(t *testing.T) {
	ex := New(Config{StartingBalance: 1000, SlippageBps: 10})
	res, err := ex.Execute(signal(types.SideBuy, 10), ctxAt(0.50))
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.InDelta(t, 0.5005, res.FillPrice, 1e-12)
	assert.InDelta(t, 0.0005, res.Slippage, 1e-12)
	requireDecimal(t, "994.995", ex.Balance())
	assert.InDelta(t, 994.995, res.BalanceAfter, 1e-9)
	assert.Equal(t, int64(1), res.TradeID)

	pos, ok := ex.Position("tok-yes")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Size)
	assert.InDelta(t, 0.5005, pos.AvgPrice, 1e-12)
	assert.Equal(t, types.SideBuy, pos.Side)
}

func TestExecute_SellSlipsDown(t *testing.T) {
	ex := New(Config{StartingBalance: 1000, SlippageBps: 10})
	assert.True(t, ex.FillPrice(types.SideSell, 0.5).Equal(decimal.RequireFromString("0.4995")))
	assert.True(t, ex.FillPrice(types.SideBuy, 0.5).Equal(decimal.RequireFromString("0.5005")))
}

func TestExecute_AveragingAndRealizedPnL(t *testing.T) {
	ex := New(Config{StartingBalance: 1000, SlippageBps: 0})

	_, err := ex.Execute(signal(types.SideBuy, 5), ctxAt(0.50))
	require.NoError(t, err)
	_, err = ex.Execute(signal(types.SideBuy, 5), ctxAt(0.60))
	require.NoError(t, err)

	pos, ok := ex.Position("tok-yes")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Size)
	assert.InDelta(t, 0.55, pos.AvgPrice, 1e-12)
	assert.Len(t, ex.Positions(), 1)

	res, err := ex.Execute(signal(types.SideSell, 10), ctxAt(0.70))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Closed)
	assert.InDelta(t, 1.50, res.RealizedPnL, 1e-12)
	requireDecimal(t, "1.5", ex.RealizedPnL())
	requireDecimal(t, "1001.5", ex.Balance())
	_, ok = ex.Position("tok-yes")
	assert.False(t, ok)
	assert.Empty(t, ex.Positions())
}

func TestExecute_PartialReduceKeepsAverage(t *testing.T) {
	ex := New(Config{StartingBalance: 100, SlippageBps: 0})
	_, err := ex.Execute(signal(types.SideBuy, 10), ctxAt(0.40))
	require.NoError(t, err)
	res, err := ex.Execute(signal(types.SideSell, 4), ctxAt(0.30))
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.InDelta(t, -0.4, res.RealizedPnL, 1e-12)
	pos, ok := ex.Position("tok-yes")
	require.True(t, ok)
	assert.Equal(t, 6.0, pos.Size)
	assert.InDelta(t, 0.40, pos.AvgPrice, 1e-12)
}

func TestExecute_BalanceConservation(t *testing.T) {
	ex := New(Config{StartingBalance: 1000, SlippageBps: 25})
	steps := []struct {
		token string
		side  types.Side
		size  float64
		mid   float64
	}{
		{"a", types.SideBuy, 10, 0.42},
		{"b", types.SideBuy, 7, 0.63},
		{"a", types.SideBuy, 3, 0.47},
		{"a", types.SideSell, 5, 0.51},
		{"b", types.SideSell, 7, 0.58},
		{"c", types.SideBuy, 12, 0.11},
	}
	for _, st := range steps {
		sig := signal(st.side, st.size)
		sig.TokenID = st.token
		c := ctxAt(st.mid)
		c.TokenID = st.token
		res, err := ex.Execute(sig, c)
		require.NoError(t, err)
		require.True(t, res.Success)

		lhs := ex.Balance().Add(ex.CostBasis())
		rhs := decimal.NewFromInt(1000).Add(ex.RealizedPnL())
		require.True(t, lhs.Equal(rhs), "balance+basis=%s start+realized=%s", lhs, rhs)
	}
	assert.Equal(t, len(steps), ex.Snapshot().TotalTrades)
}

func TestExecute_InvalidInput(t *testing.T) {
	ex := New(Config{StartingBalance: 1000, SlippageBps: 10})
	cases := []struct {
		name string
		sig  types.TradeSignal
		ctx  types.MarketContext
	}{
		{"zero size", signal(types.SideBuy, 0), ctxAt(0.5)},
		{"negative size", signal(types.SideBuy, -1), ctxAt(0.5)},
		{"zero midpoint", signal(types.SideBuy, 1), ctxAt(0)},
		{"bad side", func() types.TradeSignal { s := signal("HOLD", 1); return s }(), ctxAt(0.5)},
		{"zero price", func() types.TradeSignal { s := signal(types.SideBuy, 1); s.Price = 0; return s }(), ctxAt(0.5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ex.Execute(tc.sig, tc.ctx)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
	requireDecimal(t, "1000", ex.Balance())
	assert.Zero(t, ex.Snapshot().TotalTrades)
}

func TestExecute_RejectsInvalidOrders(t *testing.T) {
	ex := New(Config{StartingBalance: 5, SlippageBps: 0})

	res, err := ex.Execute(signal(types.SideBuy, 20), ctxAt(0.5))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Insufficient balance")
	requireDecimal(t, "5", ex.Balance())

	res, err = ex.Execute(signal(types.SideSell, 1), ctxAt(0.5))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Insufficient holdings")
	assert.Zero(t, ex.Snapshot().TotalTrades)
}

func TestResolveMarket_PaysWinnersOnly(t *testing.T) {
	ex := New(Config{StartingBalance: 100, SlippageBps: 0})
	yes := signal(types.SideBuy, 10)
	no := signal(types.SideBuy, 10)
	no.TokenID, no.Outcome = "tok-no", "No"
	other := signal(types.SideBuy, 10)
	other.TokenID, other.MarketID = "tok-other", "mkt-2"

	_, err := ex.Execute(yes, ctxAt(0.60))
	require.NoError(t, err)
	_, err = ex.Execute(no, types.MarketContext{TokenID: "tok-no", MarketID: "mkt-1", Outcome: "No", Midpoint: 0.40})
	require.NoError(t, err)
	_, err = ex.Execute(other, types.MarketContext{TokenID: "tok-other", MarketID: "mkt-2", Midpoint: 0.20})
	require.NoError(t, err)
	requireDecimal(t, "88", ex.Balance())

	settled := ex.ResolveMarket("mkt-1", "Yes")
	require.Len(t, settled, 2)
	assert.Equal(t, "tok-yes", settled[0].Position.TokenID)
	assert.True(t, settled[0].Won)
	assert.InDelta(t, 4.0, settled[0].RealizedPnL, 1e-12)
	assert.False(t, settled[1].Won)
	assert.InDelta(t, -4.0, settled[1].RealizedPnL, 1e-12)

	requireDecimal(t, "98", ex.Balance())
	requireDecimal(t, "0", ex.RealizedPnL())
	assert.Len(t, ex.Positions(), 1)

	lost := ex.ResolveMarket("mkt-2", "Yes")
	require.Len(t, lost, 1)
	assert.InDelta(t, -2.0, lost[0].RealizedPnL, 1e-12)
	assert.Empty(t, ex.ResolveMarket("mkt-2", "No"), "a resolved market has nothing left to settle")
}

func TestSnapshot_MarksAndDailyCount(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	now := day
	ex := New(Config{StartingBalance: 100, SlippageBps: 0})
	ex.SetClock(func() time.Time { return now })

	_, err := ex.Execute(signal(types.SideBuy, 10), ctxAt(0.50))
	require.NoError(t, err)
	ex.Mark(map[string]float64{"tok-yes": 0.60, "unknown": 0.9})

	snap := ex.Snapshot()
	assert.Equal(t, 1, snap.TradesToday)
	assert.Equal(t, 1, snap.OpenPositionCount)
	assert.InDelta(t, 1.0, snap.UnrealizedPnL, 1e-12)
	assert.InDelta(t, 101.0, snap.TotalValue, 1e-12)
	assert.InDelta(t, 0.60, snap.Positions[0].CurrentPrice, 1e-12)

	now = day.Add(2 * time.Hour)
	assert.Equal(t, 0, ex.TradesToday())
	assert.Equal(t, 1, ex.Snapshot().TotalTrades)
}
