package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/logger"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

// PricePoint 是一条记录下来的中间价。
type PricePoint struct {
	TokenID   string    `json:"token_id"`
	MarketID  string    `json:"market_id"`
	RunID     string    `json:"run_id,omitempty"`
	Midpoint  float64   `json:"midpoint"`
	Spread    float64   `json:"spread"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// ScanSession 记录一次 scan 的候选列表。
type ScanSession struct {
	ID         string               `json:"id"`
	Strategy   string               `json:"strategy"`
	Candidates []strategy.Candidate `json:"candidates"`
	CreatedAt  time.Time            `json:"created_at"`
}

// PriceRecorder 把每个 tick 的价格写入 SQLite，供之后回放与复盘。
type PriceRecorder struct {
	mu sync.Mutex
	db *sql.DB
}

func NewPriceRecorder(path string) (*PriceRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("price recorder path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := ensureRecorderSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PriceRecorder{db: db}, nil
}

func ensureRecorderSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS price_ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			token_id TEXT NOT NULL,
			market_id TEXT,
			midpoint REAL NOT NULL,
			spread REAL,
			volume_24h REAL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_ticks_token_ts ON price_ticks(token_id, ts);`,
		`CREATE TABLE IF NOT EXISTS event_metadata (
			market_id TEXT PRIMARY KEY,
			event_id TEXT,
			slug TEXT,
			title TEXT,
			question TEXT,
			tags TEXT,
			end_date INTEGER,
			token_ids TEXT,
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scan_sessions (
			scan_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			candidate_count INTEGER NOT NULL,
			candidates TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("recorder schema: %w", err)
		}
	}
	return nil
}

func (r *PriceRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *PriceRecorder) conn() (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil, fmt.Errorf("price recorder closed")
	}
	return r.db, nil
}

// RecordTick stores one price observation. Non-positive midpoints are skipped.
func (r *PriceRecorder) RecordTick(ctx context.Context, p eventbus.PriceData) error {
	if p.Midpoint <= 0 || p.TokenID == "" {
		return nil
	}
	db, err := r.conn()
	if err != nil {
		return err
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO price_ticks (run_id, token_id, market_id, midpoint, spread, volume_24h, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, p.TokenID, p.MarketID, p.Midpoint, p.Spread, p.Volume24h, ts.UnixMilli())
	return err
}

// RecordEvents upserts listing metadata so recorded ticks can be joined back to titles.
func (r *PriceRecorder) RecordEvents(ctx context.Context, events []types.Event, at time.Time) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO event_metadata
		(market_id, event_id, slug, title, question, tags, end_date, token_ids, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		tags, _ := json.Marshal(ev.Tags)
		for _, m := range ev.Markets {
			if m.ID == "" {
				continue
			}
			tokens, _ := json.Marshal(m.TokenIDs)
			end := m.EndDate
			if end.IsZero() {
				end = ev.EndDate
			}
			var endMs any
			if !end.IsZero() {
				endMs = end.UnixMilli()
			}
			if _, err := stmt.ExecContext(ctx, m.ID, ev.ID, ev.Slug, ev.Title, m.Question,
				string(tags), endMs, string(tokens), at.UnixMilli()); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RecordScan stores the candidate list produced by a scan.
func (r *PriceRecorder) RecordScan(ctx context.Context, s ScanSession) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(s.Candidates)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scan_sessions (scan_id, strategy, candidate_count, candidates, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Strategy, len(s.Candidates), string(raw), s.CreatedAt.UnixMilli())
	return err
}

// PriceHistory returns up to limit most recent ticks for tokenID, oldest first.
func (r *PriceRecorder) PriceHistory(ctx context.Context, tokenID string, limit int) ([]PricePoint, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT token_id, COALESCE(market_id, ''), COALESCE(run_id, ''), midpoint,
		COALESCE(spread, 0), COALESCE(volume_24h, 0), ts
		FROM (SELECT * FROM price_ticks WHERE token_id = ? ORDER BY ts DESC, id DESC LIMIT ?)
		ORDER BY ts ASC, id ASC`, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		var ts int64
		if err := rows.Scan(&p.TokenID, &p.MarketID, &p.RunID, &p.Midpoint, &p.Spread, &p.Volume24h, &ts); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ScanSessions returns the latest sessions first.
func (r *PriceRecorder) ScanSessions(ctx context.Context, limit int) ([]ScanSession, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT scan_id, strategy, candidates, created_at FROM scan_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScanSession
	for rows.Next() {
		var s ScanSession
		var raw string
		var created int64
		if err := rows.Scan(&s.ID, &s.Strategy, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &s.Candidates); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.ID, err)
		}
		s.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Attach records every price_update published on bus.
func (r *PriceRecorder) Attach(bus *eventbus.Bus) (*eventbus.Subscription, error) {
	return bus.SubscribeAsync(eventbus.TypePriceUpdate, func(evt eventbus.Event) {
		p, ok := evt.Data.(eventbus.PriceData)
		if !ok {
			return
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = evt.Timestamp
		}
		if err := r.RecordTick(context.Background(), p); err != nil {
			logger.Warnf("PriceRecorder: record %s failed: %v", p.TokenID, err)
		}
	})
}
