package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/logger"
	"polyclaw/internal/store/model"
	"polyclaw/internal/types"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecord is a persisted simulation run.
type RunRecord struct {
	ID              string     `json:"id"`
	Strategy        string     `json:"strategy"`
	Status          string     `json:"status"`
	Watchlist       []string   `json:"watchlist"`
	TickInterval    string     `json:"tick_interval"`
	Duration        string     `json:"duration"`
	StartingBalance float64    `json:"starting_balance"`
	FinalBalance    float64    `json:"final_balance"`
	RealizedPnL     float64    `json:"realized_pnl"`
	TotalTrades     int        `json:"total_trades"`
	TickCount       int        `json:"tick_count"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

type TradeRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	TradeID      int64     `json:"trade_id"`
	Strategy     string    `json:"strategy"`
	MarketID     string    `json:"market_id"`
	TokenID      string    `json:"token_id"`
	Outcome      string    `json:"outcome"`
	Side         string    `json:"side"`
	Price        float64   `json:"price"`
	FillPrice    float64   `json:"fill_price"`
	Size         float64   `json:"size"`
	Slippage     float64   `json:"slippage"`
	BalanceAfter float64   `json:"balance_after"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

type ClosedPositionRecord struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Strategy    string    `json:"strategy"`
	TokenID     string    `json:"token_id"`
	MarketID    string    `json:"market_id"`
	Outcome     string    `json:"outcome"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Settled     bool      `json:"settled"`
	Reason      string    `json:"reason,omitempty"`
	ClosedAt    time.Time `json:"closed_at"`
}

type SnapshotRecord struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	TickNumber    int       `json:"tick_number"`
	Balance       float64   `json:"balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	TotalValue    float64   `json:"total_value"`
	OpenPositions int       `json:"open_positions"`
	TotalTrades   int       `json:"total_trades"`
	TakenAt       time.Time `json:"taken_at"`
}

// TradeFilter narrows ListTrades; zero values mean "any".
type TradeFilter struct {
	RunID    string
	Strategy string
	Limit    int
}

// Ledger persists runs, trades, closed positions and snapshots with Gorm + SQLite.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.RunModel{},
		&model.TradeModel{},
		&model.ClosedPositionModel{},
		&model.SnapshotModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// single writer; bus events are persisted in publish order
	sqlDB.SetMaxOpenConns(1)
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun upserts the descriptive fields of a run; status columns are left
// to UpdateRunStatus.
func (l *Ledger) SaveRun(ctx context.Context, run types.SimRun) error {
	watch, err := json.Marshal(run.Watchlist)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m := model.RunModel{
		ID:              run.ID,
		Strategy:        run.Strategy,
		Status:          string(run.Status),
		Watchlist:       datatypes.JSON(watch),
		TickInterval:    run.TickInterval,
		Duration:        run.Duration,
		StartingBalance: run.StartingBalance,
		StartedAtUnix:   run.StartedAt.UnixMilli(),
		UpdatedAtUnix:   now,
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"strategy", "watchlist", "tick_interval", "duration", "starting_balance", "started_at", "updated_at",
		}),
	}).Create(&m).Error
}

// UpdateRunStatus records a lifecycle transition. Terminal transitions also
// store the final totals.
func (l *Ledger) UpdateRunStatus(ctx context.Context, st eventbus.SimStatusData, at time.Time) error {
	if st.RunID == "" {
		return nil
	}
	ms := at.UnixMilli()
	m := model.RunModel{
		ID:            st.RunID,
		Strategy:      st.Strategy,
		Status:        string(st.Status),
		Watchlist:     datatypes.JSON("[]"),
		StartedAtUnix: ms,
		UpdatedAtUnix: ms,
	}
	cols := []string{"status", "updated_at"}
	if st.Status.Terminal() {
		m.EndedAtUnix = &ms
		m.FinalBalance = st.Balance
		m.RealizedPnL = st.RealizedPnL
		m.TotalTrades = st.TotalTrades
		m.TickCount = st.TickCount
		m.Error = st.Error
		cols = append(cols, "ended_at", "final_balance", "realized_pnl", "total_trades", "tick_count", "error")
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&m).Error
}

func (l *Ledger) RecordTrade(ctx context.Context, t eventbus.TradeData) error {
	m := model.TradeModel{
		RunID:          t.RunID,
		TradeID:        t.TradeID,
		Strategy:       t.Strategy,
		MarketID:       t.MarketID,
		TokenID:        t.TokenID,
		Outcome:        t.Outcome,
		Side:           string(t.Side),
		Price:          t.Price,
		FillPrice:      t.FillPrice,
		Size:           t.Size,
		Slippage:       t.Slippage,
		BalanceAfter:   t.BalanceAfter,
		RealizedPnL:    t.RealizedPnL,
		Success:        t.Success,
		Error:          t.Error,
		ExecutedAtUnix: t.Timestamp.UnixMilli(),
	}
	return l.db.WithContext(ctx).Create(&m).Error
}

func (l *Ledger) RecordClosedPosition(ctx context.Context, p eventbus.PositionClosedData, at time.Time) error {
	m := model.ClosedPositionModel{
		RunID:        p.RunID,
		Strategy:     p.Strategy,
		TokenID:      p.TokenID,
		MarketID:     p.MarketID,
		Outcome:      p.Outcome,
		Size:         p.Size,
		EntryPrice:   p.EntryPrice,
		ExitPrice:    p.ExitPrice,
		RealizedPnL:  p.RealizedPnL,
		Settled:      p.Settled,
		Reason:       p.Reason,
		ClosedAtUnix: at.UnixMilli(),
	}
	return l.db.WithContext(ctx).Create(&m).Error
}

func (l *Ledger) SaveSnapshot(ctx context.Context, s eventbus.SnapshotData) error {
	m := model.SnapshotModel{
		RunID:         s.RunID,
		TickNumber:    s.TickNumber,
		Balance:       s.Balance,
		UnrealizedPnL: s.UnrealizedPnL,
		RealizedPnL:   s.RealizedPnL,
		TotalValue:    s.TotalValue,
		OpenPositions: s.OpenPositionCount,
		TotalTrades:   s.TotalTrades,
		TakenAtUnix:   s.Timestamp.UnixMilli(),
	}
	return l.db.WithContext(ctx).Create(&m).Error
}

// ListRuns returns the most recent runs first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	q := l.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.RunModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, runRecord(r))
	}
	return out, nil
}

func (l *Ledger) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var row model.RunModel
	err := l.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunRecord{}, err
	}
	return runRecord(row), nil
}

// ListTrades returns trades in execution order.
func (l *Ledger) ListTrades(ctx context.Context, f TradeFilter) ([]TradeRecord, error) {
	q := l.db.WithContext(ctx).Order("id ASC")
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.Strategy != "" {
		q = q.Where("strategy = ?", f.Strategy)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []model.TradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, TradeRecord{
			ID:           r.ID,
			RunID:        r.RunID,
			TradeID:      r.TradeID,
			Strategy:     r.Strategy,
			MarketID:     r.MarketID,
			TokenID:      r.TokenID,
			Outcome:      r.Outcome,
			Side:         r.Side,
			Price:        r.Price,
			FillPrice:    r.FillPrice,
			Size:         r.Size,
			Slippage:     r.Slippage,
			BalanceAfter: r.BalanceAfter,
			RealizedPnL:  r.RealizedPnL,
			Success:      r.Success,
			Error:        r.Error,
			ExecutedAt:   time.UnixMilli(r.ExecutedAtUnix).UTC(),
		})
	}
	return out, nil
}

func (l *Ledger) ListClosedPositions(ctx context.Context, runID string) ([]ClosedPositionRecord, error) {
	q := l.db.WithContext(ctx).Order("id ASC")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var rows []model.ClosedPositionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ClosedPositionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, ClosedPositionRecord{
			ID:          r.ID,
			RunID:       r.RunID,
			Strategy:    r.Strategy,
			TokenID:     r.TokenID,
			MarketID:    r.MarketID,
			Outcome:     r.Outcome,
			Size:        r.Size,
			EntryPrice:  r.EntryPrice,
			ExitPrice:   r.ExitPrice,
			RealizedPnL: r.RealizedPnL,
			Settled:     r.Settled,
			Reason:      r.Reason,
			ClosedAt:    time.UnixMilli(r.ClosedAtUnix).UTC(),
		})
	}
	return out, nil
}

// ListSnapshots returns snapshots oldest first.
func (l *Ledger) ListSnapshots(ctx context.Context, runID string) ([]SnapshotRecord, error) {
	q := l.db.WithContext(ctx).Order("id ASC")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var rows []model.SnapshotModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SnapshotRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, SnapshotRecord{
			ID:            r.ID,
			RunID:         r.RunID,
			TickNumber:    r.TickNumber,
			Balance:       r.Balance,
			UnrealizedPnL: r.UnrealizedPnL,
			RealizedPnL:   r.RealizedPnL,
			TotalValue:    r.TotalValue,
			OpenPositions: r.OpenPositions,
			TotalTrades:   r.TotalTrades,
			TakenAt:       time.UnixMilli(r.TakenAtUnix).UTC(),
		})
	}
	return out, nil
}

// Attach persists bus traffic on a dedicated async subscriber so that slow
// disk writes never hold up the tick loop.
func (l *Ledger) Attach(bus *eventbus.Bus) (*eventbus.Subscription, error) {
	return bus.SubscribeAsync(eventbus.Wildcard, l.handle)
}

func (l *Ledger) handle(evt eventbus.Event) {
	ctx := context.Background()
	var err error
	switch d := evt.Data.(type) {
	case eventbus.SimStatusData:
		err = l.UpdateRunStatus(ctx, d, evt.Timestamp)
	case eventbus.TradeData:
		err = l.RecordTrade(ctx, d)
	case eventbus.PositionClosedData:
		err = l.RecordClosedPosition(ctx, d, evt.Timestamp)
	case eventbus.SnapshotData:
		err = l.SaveSnapshot(ctx, d)
	default:
		return
	}
	if err != nil {
		logger.Warnf("Ledger: persist %s failed: %v", evt.Type, err)
	}
}

func runRecord(r model.RunModel) RunRecord {
	rec := RunRecord{
		ID:              r.ID,
		Strategy:        r.Strategy,
		Status:          r.Status,
		TickInterval:    r.TickInterval,
		Duration:        r.Duration,
		StartingBalance: r.StartingBalance,
		FinalBalance:    r.FinalBalance,
		RealizedPnL:     r.RealizedPnL,
		TotalTrades:     r.TotalTrades,
		TickCount:       r.TickCount,
		Error:           r.Error,
		StartedAt:       time.UnixMilli(r.StartedAtUnix).UTC(),
	}
	if len(r.Watchlist) > 0 {
		_ = json.Unmarshal(r.Watchlist, &rec.Watchlist)
	}
	if r.EndedAtUnix != nil {
		ended := time.UnixMilli(*r.EndedAtUnix).UTC()
		rec.EndedAt = &ended
	}
	return rec
}
