// Package report 汇总一次模拟运行的成交与快照，生成胜率、盈亏与回撤统计。
package report

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polyclaw/internal/store"
	"polyclaw/internal/types"
)

var ErrNoData = errors.New("report: no data")

const unknownStrategy = "unknown"

// StrategyStats is the per-strategy slice of a Report.
type StrategyStats struct {
	Name      string  `json:"name"`
	Trades    int     `json:"trades"`
	Resolved  int     `json:"resolved"`
	Wins      int     `json:"wins"`
	WinRate   float64 `json:"win_rate"`
	TotalPnL  float64 `json:"total_pnl"`
	AvgReturn float64 `json:"avg_return"`
}

// Report 是整次运行的统计结果。WinRate 为 0..1 的比例。
type Report struct {
	StartingBalance float64         `json:"starting_balance"`
	FinalBalance    float64         `json:"final_balance"`
	FinalValue      float64         `json:"final_value"`
	ReturnPct       float64         `json:"return_pct"`
	Trades          int             `json:"trades"`
	FailedTrades    int             `json:"failed_trades"`
	Resolved        int             `json:"resolved"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         float64         `json:"win_rate"`
	TotalPnL        float64         `json:"total_pnl"`
	AvgReturn       float64         `json:"avg_return"`
	MaxDrawdown     float64         `json:"max_drawdown"`
	Strategies      []StrategyStats `json:"strategies"`
}

// realization is one booked P&L event: a SELL fill or a resolution settlement.
type realization struct {
	strategy string
	pnl      decimal.Decimal
	at       time.Time
}

type strategyAcc struct {
	trades   int
	resolved int
	wins     int
	pnl      decimal.Decimal
}

// Generate builds a Report. Realized P&L comes from successful SELL trades plus
// settled positions; positions closed by a SELL are already counted through the
// trade and are ignored here.
func Generate(trades []store.TradeRecord, closed []store.ClosedPositionRecord, snapshots []store.SnapshotRecord, startingBalance float64) Report {
	rep := Report{StartingBalance: startingBalance, FinalBalance: startingBalance, FinalValue: startingBalance}
	accs := map[string]*strategyAcc{}
	acc := func(name string) *strategyAcc {
		name = strings.TrimSpace(name)
		if name == "" {
			name = unknownStrategy
		}
		a, ok := accs[name]
		if !ok {
			a = &strategyAcc{}
			accs[name] = a
		}
		return a
	}

	var reals []realization
	var lastTrade *store.TradeRecord
	for i := range trades {
		t := &trades[i]
		if !t.Success {
			rep.FailedTrades++
			continue
		}
		rep.Trades++
		acc(t.Strategy).trades++
		if lastTrade == nil || !t.ExecutedAt.Before(lastTrade.ExecutedAt) {
			lastTrade = t
		}
		if strings.EqualFold(t.Side, string(types.SideSell)) {
			reals = append(reals, realization{strategy: t.Strategy, pnl: decimal.NewFromFloat(t.RealizedPnL), at: t.ExecutedAt})
		}
	}
	for _, c := range closed {
		if !c.Settled {
			continue
		}
		reals = append(reals, realization{strategy: c.Strategy, pnl: decimal.NewFromFloat(c.RealizedPnL), at: c.ClosedAt})
	}
	sort.SliceStable(reals, func(i, j int) bool { return reals[i].at.Before(reals[j].at) })

	total := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, r := range reals {
		a := acc(r.strategy)
		a.resolved++
		a.pnl = a.pnl.Add(r.pnl)
		rep.Resolved++
		if r.pnl.IsPositive() {
			rep.Wins++
			a.wins++
		} else {
			rep.Losses++
		}
		total = total.Add(r.pnl)
		if total.GreaterThan(peak) {
			peak = total
		}
		if dd := peak.Sub(total); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	rep.TotalPnL = round(total)
	rep.MaxDrawdown = round(maxDD)
	rep.WinRate = ratio(rep.Wins, rep.Resolved)
	if rep.Resolved > 0 {
		rep.AvgReturn = round(total.Div(decimal.NewFromInt(int64(rep.Resolved))))
	}

	switch {
	case len(snapshots) > 0:
		last := latestSnapshot(snapshots)
		rep.FinalBalance = last.Balance
		rep.FinalValue = last.TotalValue
	case lastTrade != nil:
		rep.FinalBalance = lastTrade.BalanceAfter
		rep.FinalValue = lastTrade.BalanceAfter
	}
	if startingBalance > 0 {
		start := decimal.NewFromFloat(startingBalance)
		rep.ReturnPct = round(decimal.NewFromFloat(rep.FinalValue).Sub(start).Div(start).Mul(decimal.NewFromInt(100)))
	}

	names := make([]string, 0, len(accs))
	for name := range accs {
		names = append(names, name)
	}
	sort.Strings(names)
	rep.Strategies = make([]StrategyStats, 0, len(names))
	for _, name := range names {
		a := accs[name]
		st := StrategyStats{
			Name:     name,
			Trades:   a.trades,
			Resolved: a.resolved,
			Wins:     a.wins,
			WinRate:  ratio(a.wins, a.resolved),
			TotalPnL: round(a.pnl),
		}
		if a.resolved > 0 {
			st.AvgReturn = round(a.pnl.Div(decimal.NewFromInt(int64(a.resolved))))
		}
		rep.Strategies = append(rep.Strategies, st)
	}
	return rep
}

func latestSnapshot(snaps []store.SnapshotRecord) store.SnapshotRecord {
	last := snaps[0]
	for _, s := range snaps[1:] {
		if s.TakenAt.After(last.TakenAt) || (s.TakenAt.Equal(last.TakenAt) && s.TickNumber >= last.TickNumber) {
			last = s
		}
	}
	return last
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return round(decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(d))))
}

func round(d decimal.Decimal) float64 {
	return d.Round(6).InexactFloat64()
}
