package executor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polyclaw/internal/logger"
	"polyclaw/internal/types"
)

var ErrInvalidOrder = errors.New("invalid order")

var (
	bpsDivisor = decimal.NewFromInt(10000)
	one        = decimal.NewFromInt(1)
)

type Config struct {
	StartingBalance float64
	SlippageBps     float64
}

type holding struct {
	tokenID  string
	marketID string
	outcome  string
	size     decimal.Decimal
	cost     decimal.Decimal
	mark     decimal.Decimal
	openedAt time.Time
	seq      uint64
}

// avgPrice is derived from the carried cost so that closing a holding
// releases exactly what was paid for it.
func (h *holding) avgPrice() decimal.Decimal {
	if h.size.IsZero() {
		return decimal.Zero
	}
	return h.cost.Div(h.size)
}

func (h *holding) markPrice() decimal.Decimal {
	if h.mark.IsZero() {
		return h.avgPrice()
	}
	return h.mark
}

func (h *holding) toPosition() types.Position {
	avg := h.avgPrice()
	mark := h.markPrice()
	return types.Position{
		TokenID:       h.tokenID,
		MarketID:      h.marketID,
		Outcome:       h.outcome,
		Side:          types.SideBuy,
		Size:          h.size.InexactFloat64(),
		AvgPrice:      avg.InexactFloat64(),
		CurrentPrice:  mark.InexactFloat64(),
		UnrealizedPnL: mark.Mul(h.size).Sub(h.cost).InexactFloat64(),
		OpenedAt:      h.openedAt,
	}
}

// MockExecutor simulates fills against the market midpoint and owns the paper
// portfolio. It is not safe for concurrent use: the scheduler loop is its only
// writer, and everyone else reads Snapshot copies.
type MockExecutor struct {
	starting    decimal.Decimal
	balance     decimal.Decimal
	realized    decimal.Decimal
	slippageBps decimal.Decimal

	holdings map[string]*holding
	seq      uint64

	nextTradeID int64
	totalTrades int
	tradesByDay map[string]int

	nowFn func() time.Time
}

func New(cfg Config) *MockExecutor {
	start := decimal.NewFromFloat(cfg.StartingBalance)
	return &MockExecutor{
		starting:    start,
		balance:     start,
		slippageBps: decimal.NewFromFloat(cfg.SlippageBps),
		holdings:    make(map[string]*holding),
		nextTradeID: 1,
		tradesByDay: make(map[string]int),
		nowFn:       time.Now,
	}
}

// SetClock overrides the time source; trades-today buckets use its UTC date.
func (m *MockExecutor) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		m.nowFn = nowFn
	}
}

// FillPrice applies slippage against the trader: up for buys, down for sells.
func (m *MockExecutor) FillPrice(side types.Side, midpoint float64) decimal.Decimal {
	mid := decimal.NewFromFloat(midpoint)
	adj := m.slippageBps.Div(bpsDivisor)
	if side == types.SideSell {
		return mid.Mul(one.Sub(adj))
	}
	return mid.Mul(one.Add(adj))
}

// Execute fills signal at the context midpoint. It returns ErrInvalidOrder for
// malformed input. A buy the cash cannot cover, or a sell larger than the
// holding, yields a result with Success=false and leaves the portfolio as is.
func (m *MockExecutor) Execute(signal types.TradeSignal, ctx types.MarketContext) (types.MockTradeResult, error) {
	if err := validate(signal, ctx); err != nil {
		return types.MockTradeResult{}, err
	}
	now := m.nowFn()
	size := decimal.NewFromFloat(signal.Size)
	mid := decimal.NewFromFloat(ctx.Midpoint)
	fill := m.FillPrice(signal.Side, ctx.Midpoint)
	notional := fill.Mul(size)

	result := types.MockTradeResult{
		Signal:         signal,
		Side:           signal.Side,
		Size:           signal.Size,
		RequestedPrice: signal.Price,
		FillPrice:      fill.InexactFloat64(),
		Slippage:       fill.Sub(mid).Abs().InexactFloat64(),
		Timestamp:      now,
	}

	h := m.holdings[signal.TokenID]
	switch signal.Side {
	case types.SideBuy:
		if notional.GreaterThan(m.balance) {
			result.BalanceAfter = m.balance.InexactFloat64()
			result.Error = fmt.Sprintf("Insufficient balance: need $%.2f, have $%.2f", notional.InexactFloat64(), m.balance.InexactFloat64())
			return result, nil
		}
		if h == nil {
			m.seq++
			h = &holding{
				tokenID:  signal.TokenID,
				marketID: firstNonEmpty(signal.MarketID, ctx.MarketID),
				outcome:  firstNonEmpty(signal.Outcome, ctx.Outcome),
				size:     size,
				cost:     notional,
				openedAt: now,
				seq:      m.seq,
			}
			m.holdings[signal.TokenID] = h
		} else {
			h.size = h.size.Add(size)
			h.cost = h.cost.Add(notional)
		}
		h.mark = mid
		m.balance = m.balance.Sub(notional)
		result.BalanceDelta = notional.Neg().InexactFloat64()
		pos := h.toPosition()
		result.Position = &pos

	case types.SideSell:
		if h == nil || size.GreaterThan(h.size) {
			held := decimal.Zero
			if h != nil {
				held = h.size
			}
			result.BalanceAfter = m.balance.InexactFloat64()
			result.Error = fmt.Sprintf("Insufficient holdings: need %.2f, have %.2f", signal.Size, held.InexactFloat64())
			return result, nil
		}
		result.EntryPrice = h.avgPrice().InexactFloat64()
		released := h.cost
		if size.LessThan(h.size) {
			released = h.cost.Mul(size).Div(h.size)
		}
		pnl := notional.Sub(released)
		m.realized = m.realized.Add(pnl)
		m.balance = m.balance.Add(notional)
		h.size = h.size.Sub(size)
		h.cost = h.cost.Sub(released)
		h.mark = mid
		result.RealizedPnL = pnl.InexactFloat64()
		result.BalanceDelta = notional.InexactFloat64()
		pos := h.toPosition()
		result.Position = &pos
		if h.size.Sign() <= 0 {
			delete(m.holdings, signal.TokenID)
			result.Closed = true
		}
	}

	result.Success = true
	result.TradeID = m.nextTradeID
	m.nextTradeID++
	m.totalTrades++
	m.tradesByDay[dayKey(now)]++
	result.BalanceAfter = m.balance.InexactFloat64()

	logger.Infof("MockExecutor: trade #%d %s %s size=%.2f mid=%.4f fill=%.4f bal=%.2f",
		result.TradeID, signal.Side, signal.TokenID, signal.Size, ctx.Midpoint, result.FillPrice, result.BalanceAfter)
	return result, nil
}

// Settlement describes one holding closed by market resolution.
type Settlement struct {
	Position    types.Position `json:"position"`
	ExitPrice   float64        `json:"exit_price"`
	RealizedPnL float64        `json:"realized_pnl"`
	Won         bool           `json:"won"`
}

// ResolveMarket closes every holding in marketID, paying 1 per share for the
// winning outcome and 0 otherwise.
func (m *MockExecutor) ResolveMarket(marketID, winningOutcome string) []Settlement {
	var out []Settlement
	for _, h := range m.sortedHoldings() {
		if h.marketID != marketID {
			continue
		}
		won := h.outcome == winningOutcome
		payout := decimal.Zero
		if won {
			payout = one
		}
		out = append(out, m.settle(h, payout, won))
	}
	if len(out) > 0 {
		logger.Infof("MockExecutor: resolved market %s outcome=%s closed=%d", marketID, winningOutcome, len(out))
	}
	return out
}

func (m *MockExecutor) settle(h *holding, payout decimal.Decimal, won bool) Settlement {
	pos := h.toPosition()
	proceeds := payout.Mul(h.size)
	pnl := proceeds.Sub(h.cost)
	m.realized = m.realized.Add(pnl)
	m.balance = m.balance.Add(proceeds)
	delete(m.holdings, h.tokenID)
	pos.CurrentPrice = payout.InexactFloat64()
	pos.UnrealizedPnL = 0
	return Settlement{
		Position:    pos,
		ExitPrice:   payout.InexactFloat64(),
		RealizedPnL: pnl.InexactFloat64(),
		Won:         won,
	}
}

// Mark records the latest midpoint per token for unrealized P&L.
func (m *MockExecutor) Mark(prices map[string]float64) {
	for token, price := range prices {
		if h, ok := m.holdings[token]; ok && price > 0 {
			h.mark = decimal.NewFromFloat(price)
		}
	}
}

func (m *MockExecutor) Balance() decimal.Decimal     { return m.balance }
func (m *MockExecutor) RealizedPnL() decimal.Decimal { return m.realized }

// CostBasis is the sum of open holdings valued at entry price.
func (m *MockExecutor) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, h := range m.holdings {
		total = total.Add(h.cost)
	}
	return total
}

func (m *MockExecutor) Position(tokenID string) (types.Position, bool) {
	h, ok := m.holdings[tokenID]
	if !ok {
		return types.Position{}, false
	}
	return h.toPosition(), true
}

// Positions returns open positions in the order they were opened.
func (m *MockExecutor) Positions() []types.Position {
	list := m.sortedHoldings()
	out := make([]types.Position, 0, len(list))
	for _, h := range list {
		out = append(out, h.toPosition())
	}
	return out
}

func (m *MockExecutor) TradesToday() int {
	return m.tradesByDay[dayKey(m.nowFn())]
}

func (m *MockExecutor) Snapshot() types.PortfolioSnapshot {
	positions := m.Positions()
	marketValue := decimal.Zero
	for _, h := range m.holdings {
		marketValue = marketValue.Add(h.markPrice().Mul(h.size))
	}
	unrealized := marketValue.Sub(m.CostBasis())
	return types.PortfolioSnapshot{
		StartingBalance:   m.starting.InexactFloat64(),
		Balance:           m.balance.InexactFloat64(),
		Positions:         positions,
		RealizedPnL:       m.realized.InexactFloat64(),
		UnrealizedPnL:     unrealized.InexactFloat64(),
		TotalValue:        m.balance.Add(marketValue).InexactFloat64(),
		OpenPositionCount: len(positions),
		TotalTrades:       m.totalTrades,
		TradesToday:       m.TradesToday(),
		Timestamp:         m.nowFn(),
	}
}

func (m *MockExecutor) sortedHoldings() []*holding {
	list := make([]*holding, 0, len(m.holdings))
	for _, h := range m.holdings {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func validate(signal types.TradeSignal, ctx types.MarketContext) error {
	if !signal.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, signal.Side)
	}
	if signal.TokenID == "" {
		return fmt.Errorf("%w: empty token id", ErrInvalidOrder)
	}
	if !(signal.Size > 0) || math.IsInf(signal.Size, 0) {
		return fmt.Errorf("%w: size %v", ErrInvalidOrder, signal.Size)
	}
	if !(ctx.Midpoint > 0) || math.IsInf(ctx.Midpoint, 0) {
		return fmt.Errorf("%w: midpoint %v for %s", ErrInvalidOrder, ctx.Midpoint, signal.TokenID)
	}
	if !(signal.Price > 0) || math.IsInf(signal.Price, 0) {
		return fmt.Errorf("%w: price %v", ErrInvalidOrder, signal.Price)
	}
	return nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
