package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"polyclaw/internal/eventbus"
	"polyclaw/internal/executor"
	"polyclaw/internal/logger"
	"polyclaw/internal/risk"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("simulation already running")
	ErrNotRunning     = errors.New("simulation not running")
	ErrNoStrategy     = errors.New("no strategy supplied")
)

// MarketSource 为每个 tick 构建单个 token 的行情上下文。
type MarketSource interface {
	Context(ctx context.Context, tokenID string) (types.MarketContext, error)
}

// TokenLister 由能列出全部开放市场的行情源实现；watchlist 为空时 tick
// 会扫描它返回的所有 token。
type TokenLister interface {
	Tokens(ctx context.Context) ([]string, error)
}

// Prefetcher 在逐个抓取前批量预取本 tick 的中间价。
type Prefetcher interface {
	Prefetch(ctx context.Context, tokenIDs []string) error
}

type Config struct {
	TickInterval     time.Duration
	Duration         time.Duration
	SnapshotEvery    int
	FetchTimeout     time.Duration
	FetchConcurrency int
	Executor         executor.Config
	Risk             risk.Limits
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 10
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	return c
}

// RunOptions 只对单次运行覆盖配置中的节奏。
type RunOptions struct {
	TickInterval time.Duration
	Duration     time.Duration
}

// State 是 State() 对外返回的运行摘要。
type State struct {
	Status            types.RunStatus `json:"status"`
	RunID             string          `json:"run_id"`
	Strategy          string          `json:"strategy"`
	TickCount         int             `json:"tick_count"`
	Watchlist         []string        `json:"watchlist"`
	Balance           float64         `json:"balance"`
	OpenPositionCount int             `json:"open_position_count"`
	RealizedPnL       float64         `json:"realized_pnl"`
	UnrealizedPnL     float64         `json:"unrealized_pnl"`
	TotalTrades       int             `json:"total_trades"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
}

type settleRequest struct {
	marketID string
	outcome  string
}

// Scheduler 负责模拟运行的生命周期与 tick 循环。
//
// 并发约定：
//   - 每次运行只有一个 loop goroutine，它是 executor 唯一的写者。
//   - Pause/Resume/Stop/SetWatchlist/Settle 只在 mu 下改状态并唤醒 loop，不等待它。
//   - 读者通过 loop 刷新的原子快照读取持仓。
type Scheduler struct {
	cfg    Config
	bus    *eventbus.Bus
	source MarketSource
	nowFn  func() time.Time

	mu        sync.Mutex
	status    types.RunStatus
	run       *types.SimRun
	strat     strategy.Strategy
	watchlist []string
	tickCount int
	pending   []settleRequest
	exec      *executor.MockExecutor
	gate      *risk.Gate
	wake      chan struct{}
	done      chan struct{}
	loopAlive bool

	portfolio atomic.Pointer[types.PortfolioSnapshot]
}

func New(cfg Config, bus *eventbus.Bus, source MarketSource) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		bus:    bus,
		source: source,
		nowFn:  time.Now,
		status: types.RunIdle,
		wake:   make(chan struct{}, 1),
	}
	s.exec = s.newExecutor()
	s.gate = risk.NewGate(cfg.Risk)
	s.refreshPortfolio()
	return s
}

// SetClock 替换运行时间戳与时长判断所用的时钟。
func (s *Scheduler) SetClock(nowFn func() time.Time) {
	if nowFn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = nowFn
	s.mu.Unlock()
}

func (s *Scheduler) newExecutor() *executor.MockExecutor {
	ex := executor.New(s.cfg.Executor)
	ex.SetClock(s.nowFn)
	return ex
}

// Start 以全新的组合创建一次运行并启动 tick 循环。
func (s *Scheduler) Start(strat strategy.Strategy, watchlist []string, opts RunOptions) (types.SimRun, error) {
	if strat == nil {
		return types.SimRun{}, ErrNoStrategy
	}
	interval := s.cfg.TickInterval
	if opts.TickInterval > 0 {
		interval = opts.TickInterval
	}
	duration := s.cfg.Duration
	if opts.Duration > 0 {
		duration = opts.Duration
	}

	s.mu.Lock()
	if !s.status.Terminal() {
		s.mu.Unlock()
		return types.SimRun{}, ErrAlreadyRunning
	}
	now := s.nowFn()
	if len(watchlist) > 0 {
		s.watchlist = normalizeWatchlist(watchlist)
	}
	run := &types.SimRun{
		ID:              uuid.NewString(),
		Strategy:        strat.Name(),
		Status:          types.RunRunning,
		Watchlist:       append([]string(nil), s.watchlist...),
		TickInterval:    interval.String(),
		Duration:        duration.String(),
		StartingBalance: s.cfg.Executor.StartingBalance,
		StartedAt:       now,
	}
	s.run = run
	s.strat = strat
	s.status = types.RunRunning
	s.tickCount = 0
	s.pending = nil
	s.exec = s.newExecutor()
	s.loopAlive = true
	done := make(chan struct{})
	s.done = done
	drainWake(s.wake)
	s.mu.Unlock()

	s.refreshPortfolio()
	s.emit(eventbus.TypeSimStatus, eventbus.SimStatusData{Status: types.RunRunning, RunID: run.ID, Strategy: run.Strategy})
	logger.Infof("Scheduler: run %s started strategy=%s tick=%s duration=%s watchlist=%d",
		run.ID, run.Strategy, interval, duration, len(run.Watchlist))

	go s.loop(*run, strat, interval, duration, done)
	return *run, nil
}

func (s *Scheduler) Pause() error {
	s.mu.Lock()
	switch s.status {
	case types.RunPaused:
		s.mu.Unlock()
		return nil
	case types.RunRunning:
	default:
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = types.RunPaused
	runID, name := s.runIdentity()
	s.mu.Unlock()
	s.poke()
	s.emit(eventbus.TypeSimStatus, eventbus.SimStatusData{Status: types.RunPaused, RunID: runID, Strategy: name})
	logger.Infof("Scheduler: run %s paused", runID)
	return nil
}

func (s *Scheduler) Resume() error {
	s.mu.Lock()
	switch s.status {
	case types.RunRunning:
		s.mu.Unlock()
		return nil
	case types.RunPaused:
	default:
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = types.RunRunning
	runID, name := s.runIdentity()
	s.mu.Unlock()
	s.poke()
	s.emit(eventbus.TypeSimStatus, eventbus.SimStatusData{Status: types.RunRunning, RunID: runID, Strategy: name})
	logger.Infof("Scheduler: run %s resumed", runID)
	return nil
}

// Stop 请求在下一个 tick 边界停止，立即返回。空闲或已结束时不做任何事。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.status != types.RunRunning && s.status != types.RunPaused {
		s.mu.Unlock()
		return
	}
	s.status = types.RunStopping
	runID, name := s.runIdentity()
	s.mu.Unlock()
	s.poke()
	s.emit(eventbus.TypeSimStatus, eventbus.SimStatusData{Status: types.RunStopping, RunID: runID, Strategy: name})
	logger.Infof("Scheduler: run %s stop requested", runID)
}

// Wait 返回的 channel 在当前 loop 退出后关闭。
func (s *Scheduler) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Shutdown 停止运行并等待 loop 退出，最多等到 ctx 结束。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	select {
	case <-s.Wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetWatchlist 从下一个 tick 起替换关注的 token。
func (s *Scheduler) SetWatchlist(tokenIDs []string) {
	list := normalizeWatchlist(tokenIDs)
	s.mu.Lock()
	s.watchlist = list
	s.mu.Unlock()
	logger.Infof("Scheduler: watchlist set, %d tokens", len(list))
}

func (s *Scheduler) Watchlist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watchlist...)
}

// Settle 按 winningOutcome 结算 marketID。loop 存活时排队交给 loop goroutine，
// 否则直接在调用方执行。
func (s *Scheduler) Settle(marketID, winningOutcome string) {
	req := settleRequest{marketID: strings.TrimSpace(marketID), outcome: strings.TrimSpace(winningOutcome)}
	s.mu.Lock()
	if s.loopAlive {
		s.pending = append(s.pending, req)
		s.mu.Unlock()
		s.poke()
		return
	}
	runID, name := s.runIdentity()
	batch := resolve(s.exec, req)
	snap := s.exec.Snapshot()
	s.portfolio.Store(&snap)
	s.mu.Unlock()
	s.publishSettled(runID, name, []settledBatch{batch})
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	st := State{
		Status:    s.status,
		TickCount: s.tickCount,
		Watchlist: append([]string(nil), s.watchlist...),
	}
	if s.run != nil {
		st.RunID = s.run.ID
		st.Strategy = s.run.Strategy
		started := s.run.StartedAt
		st.StartedAt = &started
	}
	s.mu.Unlock()
	p := s.Portfolio()
	st.Balance = p.Balance
	st.OpenPositionCount = p.OpenPositionCount
	st.RealizedPnL = p.RealizedPnL
	st.UnrealizedPnL = p.UnrealizedPnL
	st.TotalTrades = p.TotalTrades
	return st
}

// Run returns the current or last run.
func (s *Scheduler) Run() (types.SimRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return types.SimRun{}, false
	}
	return *s.run, true
}

// Portfolio returns the latest snapshot published by the loop.
func (s *Scheduler) Portfolio() types.PortfolioSnapshot {
	if p := s.portfolio.Load(); p != nil {
		return *p
	}
	return types.PortfolioSnapshot{}
}

func (s *Scheduler) runIdentity() (string, string) {
	if s.run == nil {
		return "", ""
	}
	return s.run.ID, s.run.Strategy
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func drainWake(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func (s *Scheduler) refreshPortfolio() {
	s.mu.Lock()
	ex := s.exec
	s.mu.Unlock()
	snap := ex.Snapshot()
	s.portfolio.Store(&snap)
}

func (s *Scheduler) emit(t eventbus.Type, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Timestamp: s.nowFn(), Data: data})
}

func normalizeWatchlist(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) String() string {
	st := s.State()
	return fmt.Sprintf("Scheduler{status=%s run=%s ticks=%d}", st.Status, st.RunID, st.TickCount)
}
