package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polyclaw/internal/types"
)

// Rule names, in evaluation order.
const (
	RuleMinConfidence    = "min_confidence"
	RuleMaxPositionSize  = "max_position_size"
	RuleMaxOpenPositions = "max_open_positions"
	RuleMaxDailyTrades   = "max_daily_trades"
	RuleBalance          = "balance"
)

// Limits are the static thresholds the gate checks against.
type Limits struct {
	MinConfidence    float64 `json:"min_confidence"`
	MaxPositionSize  float64 `json:"max_position_size"`
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDailyTrades   int     `json:"max_daily_trades"`
}

// Gate is a pure pre-trade check. It holds no state besides its limits,
// so a value can be shared freely between goroutines.
type Gate struct {
	limits Limits
}

func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

func (g *Gate) Limits() Limits {
	return g.limits
}

type check struct {
	rule string
	eval func(types.TradeSignal, types.PortfolioSnapshot) (string, bool)
}

// Check runs the rules in order and stops at the first failure. A rejection
// is a normal verdict, never an error.
func (g *Gate) Check(signal types.TradeSignal, portfolio types.PortfolioSnapshot) types.RiskVerdict {
	for _, c := range g.checks() {
		if reason, ok := c.eval(signal, portfolio); !ok {
			return types.RiskVerdict{Approved: false, Reason: reason, Rule: c.rule, Signal: signal}
		}
	}
	return types.RiskVerdict{Approved: true, Reason: "Approved", Signal: signal}
}

func (g *Gate) checks() []check {
	return []check{
		{rule: RuleMinConfidence, eval: g.checkConfidence},
		{rule: RuleMaxPositionSize, eval: g.checkPositionSize},
		{rule: RuleMaxOpenPositions, eval: g.checkOpenPositions},
		{rule: RuleMaxDailyTrades, eval: g.checkDailyTrades},
		{rule: RuleBalance, eval: g.checkBalance},
	}
}

func (g *Gate) checkConfidence(s types.TradeSignal, _ types.PortfolioSnapshot) (string, bool) {
	if s.Confidence < g.limits.MinConfidence {
		return fmt.Sprintf("Confidence %.2f < min %.2f", s.Confidence, g.limits.MinConfidence), false
	}
	return "", true
}

func (g *Gate) checkPositionSize(s types.TradeSignal, _ types.PortfolioSnapshot) (string, bool) {
	cost := signalCost(s)
	if cost.GreaterThan(decimal.NewFromFloat(g.limits.MaxPositionSize)) {
		return fmt.Sprintf("Trade cost $%.2f > max position $%.2f", cost.InexactFloat64(), g.limits.MaxPositionSize), false
	}
	return "", true
}

// Exits always reduce exposure, so the open-position cap only gates buys.
func (g *Gate) checkOpenPositions(s types.TradeSignal, p types.PortfolioSnapshot) (string, bool) {
	if s.Side != types.SideBuy {
		return "", true
	}
	if p.OpenPositionCount >= g.limits.MaxOpenPositions {
		return fmt.Sprintf("Open positions %d >= max %d", p.OpenPositionCount, g.limits.MaxOpenPositions), false
	}
	return "", true
}

func (g *Gate) checkDailyTrades(_ types.TradeSignal, p types.PortfolioSnapshot) (string, bool) {
	if p.TradesToday >= g.limits.MaxDailyTrades {
		return fmt.Sprintf("Daily trades %d >= max %d", p.TradesToday, g.limits.MaxDailyTrades), false
	}
	return "", true
}

func (g *Gate) checkBalance(s types.TradeSignal, p types.PortfolioSnapshot) (string, bool) {
	if s.Side == types.SideSell {
		held := p.Holding(s.TokenID)
		if decimal.NewFromFloat(held).LessThan(decimal.NewFromFloat(s.Size)) {
			return fmt.Sprintf("Insufficient holdings: need %.2f, have %.2f", s.Size, held), false
		}
		return "", true
	}
	cost := signalCost(s)
	if decimal.NewFromFloat(p.Balance).LessThan(cost) {
		return fmt.Sprintf("Insufficient balance: need $%.2f, have $%.2f", cost.InexactFloat64(), p.Balance), false
	}
	return "", true
}

func signalCost(s types.TradeSignal) decimal.Decimal {
	return decimal.NewFromFloat(s.Size).Mul(decimal.NewFromFloat(s.Price))
}
