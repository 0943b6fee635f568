package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"polyclaw/internal/config"
	"polyclaw/internal/eventbus"
	"polyclaw/internal/logger"
	"polyclaw/internal/scheduler"
	"polyclaw/internal/store"
	"polyclaw/internal/transport/http/dashboard"
)

const shutdownTimeout = 15 * time.Second

// App 负责应用级编排：加载配置→初始化依赖→启动 dashboard 与模拟控制面。
type App struct {
	cfg        *config.Config
	configPath string

	bus      *eventbus.Bus
	sched    *scheduler.Scheduler
	ctrl     *Controller
	ledger   *store.Ledger
	recorder *store.PriceRecorder
	hub      *dashboard.Hub
	server   *dashboard.Server
	subs     []*eventbus.Subscription

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。ctx 只约束构建期间的预热请求。
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg, opts...).Build(ctx)
}

func (a *App) Controller() *Controller {
	if a == nil {
		return nil
	}
	return a.ctrl
}

func (a *App) Bus() *eventbus.Bus {
	if a == nil {
		return nil
	}
	return a.bus
}

// Run serves the dashboard until ctx is cancelled, then stops any active run
// and flushes the ledger before returning.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	if a.configPath != "" {
		if err := config.Watch(a.configPath, a.onConfigChange); err != nil {
			logger.Warnf("App: config watch disabled for %s: %v", a.configPath, err)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.hub.Run(gctx)
	})
	group.Go(func() error {
		if err := a.server.Start(gctx); err != nil {
			return fmt.Errorf("dashboard http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.sched.Shutdown(shCtx); err != nil {
			logger.Warnf("App: simulation did not stop in time: %v", err)
		}
		return nil
	})
	return group.Wait()
}

func (a *App) onConfigChange(cfg *config.Config) {
	logger.SetLevel(cfg.App.LogLevel)
	a.ctrl.UpdateConfig(cfg)
	logger.Infof("App: config reloaded, strategy params apply from the next start")
}

// Close stops the simulation, drains the persistence subscribers and closes
// the databases. It is safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.sched != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.sched.Shutdown(shCtx)
		cancel()
	}
	a.closeResources()
}

func (a *App) closeResources() {
	for _, sub := range a.subs {
		sub.Close()
		select {
		case <-sub.Done():
		case <-time.After(shutdownTimeout):
			logger.Warnf("App: subscriber %s did not drain", sub.Topic())
		}
	}
	a.subs = nil
	if a.bus != nil {
		a.bus.Close()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("App: close ledger: %v", err)
		}
		a.ledger = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warnf("App: close price recorder: %v", err)
		}
		a.recorder = nil
	}
}
