package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"polyclaw/internal/config"
	"polyclaw/internal/logger"
	"polyclaw/internal/scheduler"
	"polyclaw/internal/store"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

const allStrategies = "all"

var ErrInvalidSettlement = errors.New("settlement requires market_id and outcome")

// Scanner supplies the listing used by Scan.
type Scanner interface {
	ScanContexts(ctx context.Context) ([]types.MarketContext, error)
	Events() []types.Event
}

// Controller 是对外的控制面：启动/暂停/恢复/停止模拟、扫描市场、结算。
// Start 通过 mu 串行化，保证策略参数只在没有运行中的 run 时被修改。
type Controller struct {
	sched    *scheduler.Scheduler
	registry *strategy.Registry
	scanner  Scanner
	ledger   *store.Ledger
	recorder *store.PriceRecorder
	nowFn    func() time.Time

	mu  sync.Mutex
	cfg *config.Config
}

// ControllerDeps groups the collaborators. Ledger and Recorder are optional.
type ControllerDeps struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Registry  *strategy.Registry
	Scanner   Scanner
	Ledger    *store.Ledger
	Recorder  *store.PriceRecorder
}

func NewController(deps ControllerDeps) (*Controller, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("controller requires a scheduler")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("controller requires a strategy registry")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Controller{
		sched:    deps.Scheduler,
		registry: deps.Registry,
		scanner:  deps.Scanner,
		ledger:   deps.Ledger,
		recorder: deps.Recorder,
		nowFn:    time.Now,
		cfg:      cfg,
	}, nil
}

// SetClock overrides the time source for scan sessions.
func (c *Controller) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		c.nowFn = nowFn
	}
}

// UpdateConfig swaps the config used by later Start calls. A running
// simulation keeps the parameters it was started with.
func (c *Controller) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Controller) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.cfg
}

// Start configures the named strategy from config and launches a run.
// An empty name falls back to simulation.default_strategy.
func (c *Controller) Start(ctx context.Context, name string, watchlist []string, tickInterval, duration time.Duration) (types.SimRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		name = c.cfg.Simulation.DefaultStrategy
	}
	if !c.sched.State().Status.Terminal() {
		return types.SimRun{}, scheduler.ErrAlreadyRunning
	}
	strat, err := c.registry.Get(name)
	if err != nil {
		return types.SimRun{}, err
	}
	if err := strat.Configure(c.cfg.StrategyParams(strat.Name())); err != nil {
		return types.SimRun{}, fmt.Errorf("configure %s: %w", strat.Name(), err)
	}
	run, err := c.sched.Start(strat, watchlist, scheduler.RunOptions{TickInterval: tickInterval, Duration: duration})
	if err != nil {
		return types.SimRun{}, err
	}
	if c.ledger != nil {
		if err := c.ledger.SaveRun(ctx, run); err != nil {
			logger.Warnf("Controller: save run %s failed: %v", run.ID, err)
		}
	}
	return run, nil
}

func (c *Controller) Pause() error { return c.sched.Pause() }
func (c *Controller) Resume() error { return c.sched.Resume() }
func (c *Controller) Stop() { c.sched.Stop() }

func (c *Controller) State() scheduler.State { return c.sched.State() }

func (c *Controller) Portfolio() types.PortfolioSnapshot { return c.sched.Portfolio() }

// SetWatchlist replaces the watched tokens and returns the normalized list.
func (c *Controller) SetWatchlist(tokenIDs []string) []string {
	c.sched.SetWatchlist(tokenIDs)
	return c.sched.Watchlist()
}

// Settle resolves a market for the current (or last) portfolio.
func (c *Controller) Settle(marketID, outcome string) error {
	if strings.TrimSpace(marketID) == "" || strings.TrimSpace(outcome) == "" {
		return ErrInvalidSettlement
	}
	c.sched.Settle(marketID, outcome)
	return nil
}

func (c *Controller) Strategies() []strategy.Info { return c.registry.Describe() }

// Scan scores the current listing with one strategy, or every registered
// strategy when name is "all". Scores from several strategies are merged best
// first and each token keeps its highest-scored entry.
func (c *Controller) Scan(ctx context.Context, name string) (store.ScanSession, error) {
	if c.scanner == nil {
		return store.ScanSession{}, fmt.Errorf("scan: no market source configured")
	}
	strats, label, err := c.scanStrategies(name)
	if err != nil {
		return store.ScanSession{}, err
	}
	ctxs, err := c.scanner.ScanContexts(ctx)
	if err != nil {
		return store.ScanSession{}, fmt.Errorf("scan: %w", err)
	}

	var merged []strategy.Candidate
	for _, s := range strats {
		merged = append(merged, s.ScanCandidates(ctxs)...)
	}
	if len(strats) > 1 {
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
		merged = dedupeByToken(merged)
	}
	if merged == nil {
		merged = []strategy.Candidate{}
	}

	session := store.ScanSession{
		ID:         uuid.NewString(),
		Strategy:   label,
		Candidates: merged,
		CreatedAt:  c.nowFn(),
	}
	logger.Infof("Controller: scan %s strategy=%s markets=%d candidates=%d", session.ID, label, len(ctxs), len(merged))
	if c.recorder != nil {
		if err := c.recorder.RecordScan(ctx, session); err != nil {
			logger.Warnf("Controller: record scan %s failed: %v", session.ID, err)
		}
		if err := c.recorder.RecordEvents(ctx, c.scanner.Events(), session.CreatedAt); err != nil {
			logger.Warnf("Controller: record event metadata failed: %v", err)
		}
	}
	return session, nil
}

func (c *Controller) scanStrategies(name string) ([]strategy.Strategy, string, error) {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, allStrategies) {
		all := c.registry.All()
		if len(all) == 0 {
			return nil, "", strategy.ErrStrategyNotFound
		}
		return all, allStrategies, nil
	}
	if name == "" {
		c.mu.Lock()
		name = c.cfg.Simulation.DefaultStrategy
		c.mu.Unlock()
	}
	s, err := c.registry.Get(name)
	if err != nil {
		return nil, "", err
	}
	return []strategy.Strategy{s}, s.Name(), nil
}

func dedupeByToken(in []strategy.Candidate) []strategy.Candidate {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, cand := range in {
		if _, ok := seen[cand.TokenID]; ok {
			continue
		}
		seen[cand.TokenID] = struct{}{}
		out = append(out, cand)
	}
	return out
}
