package model

import "gorm.io/datatypes"

// RunModel maps to 'sim_runs'. Timestamps are unix milliseconds.
type RunModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Strategy        string         `gorm:"column:strategy;index"`
	Status          string         `gorm:"column:status"`
	Watchlist       datatypes.JSON `gorm:"column:watchlist;type:TEXT"`
	TickInterval    string         `gorm:"column:tick_interval"`
	Duration        string         `gorm:"column:duration"`
	StartingBalance float64        `gorm:"column:starting_balance"`
	FinalBalance    float64        `gorm:"column:final_balance"`
	RealizedPnL     float64        `gorm:"column:realized_pnl"`
	TotalTrades     int            `gorm:"column:total_trades"`
	TickCount       int            `gorm:"column:tick_count"`
	Error           string         `gorm:"column:error"`
	StartedAtUnix   int64          `gorm:"column:started_at"`
	EndedAtUnix     *int64         `gorm:"column:ended_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "sim_runs" }

// TradeModel maps to 'trades'; one row per execution attempt, failures included.
type TradeModel struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID          string  `gorm:"column:run_id;index"`
	TradeID        int64   `gorm:"column:trade_id"`
	Strategy       string  `gorm:"column:strategy;index"`
	MarketID       string  `gorm:"column:market_id"`
	TokenID        string  `gorm:"column:token_id;index"`
	Outcome        string  `gorm:"column:outcome"`
	Side           string  `gorm:"column:side"`
	Price          float64 `gorm:"column:price"`
	FillPrice      float64 `gorm:"column:fill_price"`
	Size           float64 `gorm:"column:size"`
	Slippage       float64 `gorm:"column:slippage"`
	BalanceAfter   float64 `gorm:"column:balance_after"`
	RealizedPnL    float64 `gorm:"column:realized_pnl"`
	Success        bool    `gorm:"column:success"`
	Error          string  `gorm:"column:error"`
	ExecutedAtUnix int64   `gorm:"column:executed_at"`
}

func (TradeModel) TableName() string { return "trades" }

// ClosedPositionModel maps to 'positions' and holds fully closed or settled holdings.
type ClosedPositionModel struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID        string  `gorm:"column:run_id;index"`
	Strategy     string  `gorm:"column:strategy"`
	TokenID      string  `gorm:"column:token_id"`
	MarketID     string  `gorm:"column:market_id"`
	Outcome      string  `gorm:"column:outcome"`
	Size         float64 `gorm:"column:size"`
	EntryPrice   float64 `gorm:"column:entry_price"`
	ExitPrice    float64 `gorm:"column:exit_price"`
	RealizedPnL  float64 `gorm:"column:realized_pnl"`
	Settled      bool    `gorm:"column:settled"`
	Reason       string  `gorm:"column:reason"`
	ClosedAtUnix int64   `gorm:"column:closed_at"`
}

func (ClosedPositionModel) TableName() string { return "positions" }

// SnapshotModel maps to 'portfolio_snapshots'.
type SnapshotModel struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string  `gorm:"column:run_id;index"`
	TickNumber    int     `gorm:"column:tick_number"`
	Balance       float64 `gorm:"column:balance"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	TotalValue    float64 `gorm:"column:total_value"`
	OpenPositions int     `gorm:"column:open_positions"`
	TotalTrades   int     `gorm:"column:total_trades"`
	TakenAtUnix   int64   `gorm:"column:taken_at"`
}

func (SnapshotModel) TableName() string { return "portfolio_snapshots" }
