package types

import "time"

// Position is an open long holding in one outcome token.
type Position struct {
	TokenID       string    `json:"token_id"`
	MarketID      string    `json:"market_id"`
	Outcome       string    `json:"outcome"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	AvgPrice      float64   `json:"avg_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// MockTradeResult records a single simulated fill.
type MockTradeResult struct {
	TradeID        int64       `json:"trade_id"`
	Success        bool        `json:"success"`
	Error          string      `json:"error,omitempty"`
	Signal         TradeSignal `json:"signal"`
	Side           Side        `json:"side"`
	Size           float64     `json:"size"`
	RequestedPrice float64     `json:"requested_price"`
	FillPrice      float64     `json:"fill_price"`
	EntryPrice     float64     `json:"entry_price,omitempty"`
	Slippage       float64     `json:"slippage"`
	BalanceDelta   float64     `json:"balance_delta"`
	BalanceAfter   float64     `json:"balance_after"`
	RealizedPnL    float64     `json:"realized_pnl"`
	Position       *Position   `json:"position,omitempty"`
	Closed         bool        `json:"closed"`
	Timestamp      time.Time   `json:"timestamp"`
}

// PortfolioSnapshot is a derived, read-only copy of the executor's state.
type PortfolioSnapshot struct {
	StartingBalance   float64    `json:"starting_balance"`
	Balance           float64    `json:"balance"`
	Positions         []Position `json:"positions"`
	RealizedPnL       float64    `json:"realized_pnl"`
	UnrealizedPnL     float64    `json:"unrealized_pnl"`
	TotalValue        float64    `json:"total_value"`
	OpenPositionCount int        `json:"open_position_count"`
	TotalTrades       int        `json:"total_trades"`
	TradesToday       int        `json:"trades_today"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Holding returns the held size for tokenID, zero when flat.
func (p PortfolioSnapshot) Holding(tokenID string) float64 {
	for _, pos := range p.Positions {
		if pos.TokenID == tokenID {
			return pos.Size
		}
	}
	return 0
}
