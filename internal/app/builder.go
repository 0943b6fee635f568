package app

import (
	"context"
	"fmt"

	"polyclaw/internal/config"
	"polyclaw/internal/eventbus"
	"polyclaw/internal/executor"
	"polyclaw/internal/logger"
	"polyclaw/internal/market"
	"polyclaw/internal/pkg/circuit"
	"polyclaw/internal/risk"
	"polyclaw/internal/scheduler"
	"polyclaw/internal/store"
	"polyclaw/internal/strategy"
	"polyclaw/internal/strategy/sportsvol"
	"polyclaw/internal/transport/http/dashboard"
)

// MarketData is what the app needs from the market layer: per-token contexts
// for the tick loop and the listing for scans.
type MarketData interface {
	scheduler.MarketSource
	Scanner
}

type AppBuilder struct {
	cfg        *config.Config
	configPath string

	marketDataFn func(context.Context, *config.Config, *eventbus.Bus) (MarketData, error)
	registryFn   func() *strategy.Registry
}

type AppBuilderOption func(*AppBuilder)

// WithConfigPath enables hot reload of the given file.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = path }
}

// WithMarketData replaces the Polymarket source, mainly for tests.
func WithMarketData(md MarketData) AppBuilderOption {
	return func(b *AppBuilder) {
		b.marketDataFn = func(context.Context, *config.Config, *eventbus.Bus) (MarketData, error) { return md, nil }
	}
}

// WithRegistry replaces the default strategy set.
func WithRegistry(fn func() *strategy.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.registryFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		marketDataFn: buildMarketSource,
		registryFn:   defaultRegistry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func defaultRegistry() *strategy.Registry {
	return strategy.NewRegistry(sportsvol.New())
}

// buildMarketSource wires the Gamma listing and CLOB price clients, each behind
// its own circuit breaker. Breaker transitions are surfaced as error events.
// 启动时预热一次市场列表，失败只告警，首个 tick 会重试。
func buildMarketSource(ctx context.Context, cfg *config.Config, bus *eventbus.Bus) (MarketData, error) {
	pm := cfg.Polymarket
	notify := func(name string, from, to circuit.State) {
		if to == circuit.StateOpen {
			bus.Emit(eventbus.TypeError, eventbus.ErrorData{Error: fmt.Sprintf("%s circuit open after repeated failures", name)})
		}
	}
	gammaBreaker := circuit.New("gamma", pm.BreakerThreshold, pm.BreakerCooldown())
	gammaBreaker.OnStateChange(notify)
	clobBreaker := circuit.New("clob", pm.BreakerThreshold, pm.BreakerCooldown())
	clobBreaker.OnStateChange(notify)

	gamma := market.NewGammaClient(pm.GammaURL, pm.Timeout(), gammaBreaker)
	prices := market.NewPriceClient(pm.ClobURL, pm.Timeout(), clobBreaker)
	src := market.NewSource(gamma, prices, market.SourceOptions{
		EventLimit: pm.EventLimit,
		IndexTTL:   pm.IndexTTL(),
	})

	warmCtx, cancel := context.WithTimeout(ctx, pm.Timeout())
	defer cancel()
	if err := src.Refresh(warmCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warnf("App: market listing preheat failed, retrying on first use: %v", err)
	} else {
		logger.Infof("App: market listing preheated, %d events", len(src.Events()))
	}
	return src, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:     cfg.Simulation.TickInterval(),
		Duration:         cfg.Simulation.Duration(),
		SnapshotEvery:    cfg.Simulation.SnapshotEveryNTicks,
		FetchTimeout:     cfg.Simulation.FetchTimeout(),
		FetchConcurrency: cfg.Simulation.FetchConcurrency,
		Executor: executor.Config{
			StartingBalance: cfg.Mock.StartingBalance,
			SlippageBps:     cfg.Mock.SlippageBps,
		},
		Risk: risk.Limits{
			MinConfidence:    cfg.Risk.MinConfidence,
			MaxPositionSize:  cfg.Risk.MaxPositionSize,
			MaxOpenPositions: cfg.Risk.MaxOpenPositions,
			MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		},
	}
}

// Build 按配置组装事件总线、行情源、调度器、账本与 dashboard（不启动）。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	bus := eventbus.New()
	a := &App{cfg: cfg, configPath: b.configPath, bus: bus}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	md, err := b.marketDataFn(ctx, cfg, bus)
	if err != nil {
		return nil, fmt.Errorf("market source: %w", err)
	}
	registry := b.registryFn()
	a.sched = scheduler.New(schedulerConfig(cfg), bus, md)

	if a.ledger, err = store.NewLedger(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Database.Path, err)
	}
	sub, err := a.ledger.Attach(bus)
	if err != nil {
		return nil, err
	}
	a.subs = append(a.subs, sub)

	if cfg.Simulation.RecordPrices {
		if a.recorder, err = store.NewPriceRecorder(cfg.Simulation.PriceDBPath); err != nil {
			return nil, fmt.Errorf("open price recorder %s: %w", cfg.Simulation.PriceDBPath, err)
		}
		sub, err := a.recorder.Attach(bus)
		if err != nil {
			return nil, err
		}
		a.subs = append(a.subs, sub)
	}

	a.ctrl, err = NewController(ControllerDeps{
		Config:    cfg,
		Scheduler: a.sched,
		Registry:  registry,
		Scanner:   md,
		Ledger:    a.ledger,
		Recorder:  a.recorder,
	})
	if err != nil {
		return nil, err
	}

	a.hub = dashboard.NewHub(bus, dashboard.HubOptions{
		ReplayBuffer:    cfg.Dashboard.ReplayBuffer,
		ReplayOnConnect: cfg.Dashboard.ReplayOnConnect,
		ClientQueue:     cfg.Dashboard.ClientQueue,
	})
	a.server, err = dashboard.NewServer(dashboard.ServerConfig{
		Addr:       cfg.App.HTTPAddr,
		Controller: a.ctrl,
		Ledger:     a.ledger,
		Hub:        a.hub,
	})
	if err != nil {
		return nil, err
	}

	a.Summary = newStartupSummary(cfg, registry)
	ok = true
	return a, nil
}
