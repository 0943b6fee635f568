package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"polyclaw/internal/config"
	"polyclaw/internal/logger"
	"polyclaw/internal/report"
	"polyclaw/internal/scheduler"
	"polyclaw/internal/store"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

// Controller is the simulation control surface driven by the REST routes.
type Controller interface {
	Start(ctx context.Context, name string, watchlist []string, tickInterval, duration time.Duration) (types.SimRun, error)
	Pause() error
	Resume() error
	Stop()
	State() scheduler.State
	Portfolio() types.PortfolioSnapshot
	SetWatchlist(tokenIDs []string) []string
	Settle(marketID, outcome string) error
	Scan(ctx context.Context, name string) (store.ScanSession, error)
	Strategies() []strategy.Info
	Config() config.Config
}

// History is the read side of the ledger.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListTrades(ctx context.Context, filter store.TradeFilter) ([]store.TradeRecord, error)
	ListClosedPositions(ctx context.Context, runID string) ([]store.ClosedPositionRecord, error)
	ListSnapshots(ctx context.Context, runID string) ([]store.SnapshotRecord, error)
}

// Router 挂载 /api 与 /ws 路由。
type Router struct {
	ctrl   Controller
	ledger History
	hub    *Hub
}

func NewRouter(ctrl Controller, ledger History, hub *Hub) *Router {
	return &Router{ctrl: ctrl, ledger: ledger, hub: hub}
}

func (r *Router) Register(engine *gin.Engine) {
	if engine == nil {
		return
	}
	api := engine.Group("/api")
	api.POST("/scan", r.handleScan)
	api.GET("/strategies", r.handleStrategies)
	api.GET("/config", r.handleConfig)

	sim := api.Group("/sim")
	sim.GET("/state", r.handleState)
	sim.POST("/start", r.handleStart)
	sim.POST("/pause", r.handlePause)
	sim.POST("/resume", r.handleResume)
	sim.POST("/stop", r.handleStop)
	sim.POST("/watchlist", r.handleWatchlist)
	sim.POST("/settle", r.handleSettle)
	sim.GET("/runs", r.handleRuns)
	sim.GET("/trades", r.handleTrades)
	sim.GET("/snapshots", r.handleSnapshots)
	sim.GET("/positions", r.handlePositions)
	sim.GET("/report", r.handleReport)
	sim.GET("/report/chart", r.handleReportChart)
	sim.GET("/export", r.handleExport)

	if r.hub != nil {
		engine.GET("/ws/sim", func(c *gin.Context) {
			r.hub.ServeWS(c.Writer, c.Request)
		})
	}
}

// flexDuration accepts a JSON number of seconds or a string such as "30s",
// "15m", "2h" or "1h30m".
type flexDuration time.Duration

func (d *flexDuration) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*d = 0
		return nil
	}
	if v, ok := scheduler.ParseIntervalDuration(raw); ok {
		*d = flexDuration(v)
		return nil
	}
	if v, err := time.ParseDuration(raw); err == nil && v > 0 {
		*d = flexDuration(v)
		return nil
	}
	return fmt.Errorf("invalid duration %q", raw)
}

type startRequest struct {
	Strategy        string       `json:"strategy"`
	TokenIDs        []string     `json:"token_ids"`
	TickInterval    flexDuration `json:"tick_interval"`
	Duration        flexDuration `json:"duration"`
	DurationMinutes int          `json:"duration_minutes"`
}

type watchlistRequest struct {
	TokenIDs []string `json:"token_ids"`
}

type settleRequest struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
}

type scanRequest struct {
	Strategy string `json:"strategy"`
}

// bindOptionalJSON binds the body when one was sent.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, strategy.ErrStrategyNotFound), errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("[api] %s failed ip=%s err=%v", op, c.ClientIP(), err)
	} else {
		logger.Warnf("[api] %s rejected ip=%s err=%v", op, c.ClientIP(), err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (r *Router) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, r.ctrl.State())
}

func (r *Router) handleScan(c *gin.Context) {
	var req scanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Strategy)
	if name == "" {
		name = c.Query("strategy")
	}
	session, err := r.ctrl.Scan(c.Request.Context(), name)
	if err != nil {
		r.fail(c, "scan", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scan_id":    session.ID,
		"strategy":   session.Strategy,
		"candidates": session.Candidates,
		"count":      len(session.Candidates),
	})
}

func (r *Router) handleStart(c *gin.Context) {
	var req startRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Strategy == "" {
		req.Strategy = c.Query("strategy")
	}
	duration := time.Duration(req.Duration)
	if duration == 0 && req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}
	run, err := r.ctrl.Start(c.Request.Context(), req.Strategy, req.TokenIDs, time.Duration(req.TickInterval), duration)
	if err != nil {
		r.fail(c, "start", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "run_id": run.ID, "run": run})
}

func (r *Router) handlePause(c *gin.Context) {
	if err := r.ctrl.Pause(); err != nil {
		r.fail(c, "pause", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": r.ctrl.State().Status})
}

func (r *Router) handleResume(c *gin.Context) {
	if err := r.ctrl.Resume(); err != nil {
		r.fail(c, "resume", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": r.ctrl.State().Status})
}

func (r *Router) handleStop(c *gin.Context) {
	r.ctrl.Stop()
	c.JSON(http.StatusOK, gin.H{"status": r.ctrl.State().Status})
}

func (r *Router) handleWatchlist(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list := r.ctrl.SetWatchlist(req.TokenIDs)
	if list == nil {
		list = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": list, "count": len(list)})
}

func (r *Router) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.MarketID) == "" || strings.TrimSpace(req.Outcome) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market_id and outcome are required"})
		return
	}
	if err := r.ctrl.Settle(req.MarketID, req.Outcome); err != nil {
		r.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "market_id": req.MarketID, "outcome": req.Outcome})
}

func (r *Router) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, r.ctrl.Strategies())
}

func (r *Router) handleConfig(c *gin.Context) {
	cfg := r.ctrl.Config()
	if strings.EqualFold(c.DefaultQuery("format", "json"), "yaml") {
		out, err := cfg.ExportYAML()
		if err != nil {
			r.fail(c, "config", err)
			return
		}
		c.Data(http.StatusOK, "application/x-yaml; charset=utf-8", out)
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}

func (r *Router) requireLedger(c *gin.Context) bool {
	if r.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger not enabled"})
		return false
	}
	return true
}

// runID resolves ?run_id, then the current run, then the latest stored run.
func (r *Router) runID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("run_id")); id != "" {
		return id
	}
	if id := r.ctrl.State().RunID; id != "" {
		return id
	}
	if r.ledger == nil {
		return ""
	}
	runs, err := r.ledger.ListRuns(c.Request.Context(), 1)
	if err != nil || len(runs) == 0 {
		return ""
	}
	return runs[0].ID
}

func queryLimit(c *gin.Context, def, ceiling int) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if limit <= 0 {
		limit = def
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}

func (r *Router) handleRuns(c *gin.Context) {
	if !r.requireLedger(c) {
		return
	}
	runs, err := r.ledger.ListRuns(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		r.fail(c, "runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (r *Router) handleTrades(c *gin.Context) {
	if !r.requireLedger(c) {
		return
	}
	filter := store.TradeFilter{
		RunID:    strings.TrimSpace(c.Query("run_id")),
		Strategy: strings.TrimSpace(c.Query("strategy")),
		Limit:    queryLimit(c, 100, 1000),
	}
	trades, err := r.ledger.ListTrades(c.Request.Context(), filter)
	if err != nil {
		r.fail(c, "trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (r *Router) handleSnapshots(c *gin.Context) {
	if !r.requireLedger(c) {
		return
	}
	id := r.runID(c)
	snaps := []store.SnapshotRecord{}
	if id != "" {
		var err error
		if snaps, err = r.ledger.ListSnapshots(c.Request.Context(), id); err != nil {
			r.fail(c, "snapshots", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "snapshots": snaps, "count": len(snaps)})
}

func (r *Router) handlePositions(c *gin.Context) {
	p := r.ctrl.Portfolio()
	open := p.Positions
	if open == nil {
		open = []types.Position{}
	}
	resp := gin.H{"open": open, "unrealized_pnl": p.UnrealizedPnL}
	if r.ledger != nil {
		closed := []store.ClosedPositionRecord{}
		if id := r.runID(c); id != "" {
			var err error
			if closed, err = r.ledger.ListClosedPositions(c.Request.Context(), id); err != nil {
				r.fail(c, "positions", err)
				return
			}
		}
		resp["closed"] = closed
	}
	c.JSON(http.StatusOK, resp)
}

// runReport loads a run with its trades and builds the report. It writes the
// error response itself and returns ok=false on failure.
func (r *Router) runReport(c *gin.Context, op string) (store.RunRecord, []store.TradeRecord, report.Report, bool) {
	if !r.requireLedger(c) {
		return store.RunRecord{}, nil, report.Report{}, false
	}
	id := r.runID(c)
	if id == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no simulation run recorded"})
		return store.RunRecord{}, nil, report.Report{}, false
	}
	ctx := c.Request.Context()
	run, err := r.ledger.GetRun(ctx, id)
	if err != nil {
		r.fail(c, op, err)
		return store.RunRecord{}, nil, report.Report{}, false
	}
	trades, err := r.ledger.ListTrades(ctx, store.TradeFilter{RunID: id})
	if err != nil {
		r.fail(c, op, err)
		return store.RunRecord{}, nil, report.Report{}, false
	}
	closed, err := r.ledger.ListClosedPositions(ctx, id)
	if err != nil {
		r.fail(c, op, err)
		return store.RunRecord{}, nil, report.Report{}, false
	}
	snaps, err := r.ledger.ListSnapshots(ctx, id)
	if err != nil {
		r.fail(c, op, err)
		return store.RunRecord{}, nil, report.Report{}, false
	}
	return run, trades, report.Generate(trades, closed, snaps, run.StartingBalance), true
}

func (r *Router) handleReport(c *gin.Context) {
	run, _, rep, ok := r.runReport(c, "report")
	if !ok {
		return
	}
	resp := gin.H{"run_id": run.ID, "strategy": run.Strategy, "status": run.Status, "report": rep}
	if st := r.ctrl.State(); st.RunID == run.ID {
		resp["open_positions"] = st.OpenPositionCount
		resp["unrealized_pnl"] = st.UnrealizedPnL
	}
	c.JSON(http.StatusOK, resp)
}

// handleExport 以 csv / json / markdown 下载一次运行的成交与报告，默认 json。
func (r *Router) handleExport(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "json")))
	var contentType, ext string
	switch format {
	case "csv":
		contentType, ext = "text/csv; charset=utf-8", "csv"
	case "json":
		contentType, ext = "application/json; charset=utf-8", "json"
	case "md", "markdown":
		contentType, ext = "text/markdown; charset=utf-8", "md"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown export format %q", format)})
		return
	}
	run, trades, rep, ok := r.runReport(c, "export")
	if !ok {
		return
	}

	var buf bytes.Buffer
	var err error
	switch ext {
	case "csv":
		err = report.ExportCSV(&buf, trades)
	case "json":
		err = report.ExportJSON(&buf, run.ID, rep, trades)
	default:
		err = report.ExportMarkdown(&buf, run.ID, rep, trades)
	}
	if err != nil {
		r.fail(c, "export", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="polyclaw-%s.%s"`, run.ID, ext))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func (r *Router) handleReportChart(c *gin.Context) {
	if !r.requireLedger(c) {
		return
	}
	id := r.runID(c)
	if id == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no simulation run recorded"})
		return
	}
	snaps, err := r.ledger.ListSnapshots(c.Request.Context(), id)
	if err != nil {
		r.fail(c, "report chart", err)
		return
	}
	var buf bytes.Buffer
	if err := report.RenderEquityChart(&buf, snaps); err != nil {
		if errors.Is(err, report.ErrNoData) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshots for run " + id})
			return
		}
		r.fail(c, "report chart", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

var _ json.Unmarshaler = (*flexDuration)(nil)
