package eventbus

import (
	"time"

	"polyclaw/internal/types"
)

type Type string

const (
	TypeSimStatus       Type = "sim_status"
	TypeTick            Type = "tick"
	TypeSignalEmitted   Type = "signal_emitted"
	TypeRiskVerdict     Type = "risk_verdict"
	TypeTradeExecuted   Type = "trade_executed"
	TypePositionUpdated Type = "position_updated"
	TypePositionClosed  Type = "position_closed"
	TypeSnapshot        Type = "snapshot"
	TypeError           Type = "error"
	TypePriceUpdate     Type = "price_update"

	// Wildcard receives every published event.
	Wildcard Type = "*"
)

// Event is the unit carried by the bus. Data holds one of the *Data structs below.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type SimStatusData struct {
	Status      types.RunStatus `json:"status"`
	RunID       string          `json:"run_id"`
	Strategy    string          `json:"strategy"`
	TickCount   int             `json:"tick_count,omitempty"`
	TotalTrades int             `json:"total_trades,omitempty"`
	Balance     float64         `json:"balance,omitempty"`
	RealizedPnL float64         `json:"realized_pnl,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type TickData struct {
	TickNumber     int `json:"tick_number"`
	MarketsScanned int `json:"markets_scanned"`
}

type SignalData struct {
	Strategy   string     `json:"strategy"`
	MarketID   string     `json:"market_id"`
	TokenID    string     `json:"token_id"`
	Side       types.Side `json:"side"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Exit       bool       `json:"exit,omitempty"`
}

type RiskVerdictData struct {
	Approved bool       `json:"approved"`
	Reason   string     `json:"reason"`
	Rule     string     `json:"rule,omitempty"`
	TokenID  string     `json:"token_id"`
	Side     types.Side `json:"side"`
	Price    float64    `json:"price"`
}

type TradeData struct {
	TradeID      int64      `json:"trade_id"`
	RunID        string     `json:"run_id"`
	Strategy     string     `json:"strategy"`
	MarketID     string     `json:"market_id"`
	TokenID      string     `json:"token_id"`
	Outcome      string     `json:"outcome"`
	Side         types.Side `json:"side"`
	Price        float64    `json:"price"`
	FillPrice    float64    `json:"fill_price"`
	Size         float64    `json:"size"`
	Slippage     float64    `json:"slippage"`
	BalanceAfter float64    `json:"balance_after"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type PositionsData struct {
	RunID     string           `json:"run_id"`
	Positions []types.Position `json:"positions"`
}

type PositionClosedData struct {
	RunID       string  `json:"run_id"`
	Strategy    string  `json:"strategy"`
	TokenID     string  `json:"token_id"`
	MarketID    string  `json:"market_id"`
	Outcome     string  `json:"outcome"`
	Size        float64 `json:"size"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Settled     bool    `json:"settled"`
	Reason      string  `json:"reason,omitempty"`
}

type SnapshotData struct {
	RunID             string    `json:"run_id"`
	TickNumber        int       `json:"tick_number"`
	Balance           float64   `json:"balance"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RealizedPnL       float64   `json:"realized_pnl"`
	TotalValue        float64   `json:"total_value"`
	OpenPositionCount int       `json:"open_position_count"`
	TotalTrades       int       `json:"total_trades"`
	Timestamp         time.Time `json:"timestamp"`
}

type ErrorData struct {
	Error      string `json:"error"`
	TickNumber int    `json:"tick_number"`
	MarketID   string `json:"market_id,omitempty"`
	TokenID    string `json:"token_id,omitempty"`
}

type PriceData struct {
	RunID      string    `json:"run_id,omitempty"`
	TickNumber int       `json:"tick_number"`
	TokenID    string    `json:"token_id"`
	MarketID   string    `json:"market_id"`
	Title      string    `json:"title"`
	Midpoint   float64   `json:"midpoint"`
	Spread     float64   `json:"spread"`
	Volume24h  float64   `json:"volume_24h"`
	Timestamp  time.Time `json:"timestamp"`
}
