package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"polyclaw/internal/config"
	"polyclaw/internal/strategy"
)

type StartupSummary struct {
	Mode       string
	HTTPAddr   string
	Simulation SimulationSummary
	Risk       config.RiskConfig
	Storage    StorageSummary
	Strategies []strategy.Info
}

type SimulationSummary struct {
	TickInterval    string
	Duration        string
	SnapshotEvery   int
	StartingBalance float64
	SlippageBps     float64
	DefaultStrategy string
}

type StorageSummary struct {
	LedgerPath   string
	RecordPrices bool
	PriceDBPath  string
}

func newStartupSummary(cfg *config.Config, registry *strategy.Registry) *StartupSummary {
	return &StartupSummary{
		Mode:     cfg.App.Mode,
		HTTPAddr: cfg.App.HTTPAddr,
		Simulation: SimulationSummary{
			TickInterval:    cfg.Simulation.TickInterval().String(),
			Duration:        cfg.Simulation.Duration().String(),
			SnapshotEvery:   cfg.Simulation.SnapshotEveryNTicks,
			StartingBalance: cfg.Mock.StartingBalance,
			SlippageBps:     cfg.Mock.SlippageBps,
			DefaultStrategy: cfg.Simulation.DefaultStrategy,
		},
		Risk: cfg.Risk,
		Storage: StorageSummary{
			LedgerPath:   cfg.Database.Path,
			RecordPrices: cfg.Simulation.RecordPrices,
			PriceDBPath:  cfg.Simulation.PriceDBPath,
		},
		Strategies: registry.Describe(),
	}
}

func (s *StartupSummary) Print() {
	s.Render(os.Stdout)
}

// Render 输出启动配置摘要。
func (s *StartupSummary) Render(w io.Writer) {
	line := strings.Repeat("=", 80)
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, line)

	fmt.Fprintln(w, "[运行模式 (MODE)]")
	fmt.Fprintf(w, "  模式: %s\n", s.Mode)
	fmt.Fprintf(w, "  Dashboard: %s\n", s.HTTPAddr)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[模拟参数 (SIMULATION)]")
	fmt.Fprintf(w, "  Tick 间隔: %s\n", s.Simulation.TickInterval)
	fmt.Fprintf(w, "  运行时长: %s\n", s.Simulation.Duration)
	fmt.Fprintf(w, "  快照频率: 每 %d 个 tick\n", s.Simulation.SnapshotEvery)
	fmt.Fprintf(w, "  初始资金: %.2f\n", s.Simulation.StartingBalance)
	fmt.Fprintf(w, "  滑点: %.1f bps\n", s.Simulation.SlippageBps)
	fmt.Fprintf(w, "  默认策略: %s\n", s.Simulation.DefaultStrategy)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[风控 (RISK)]")
	fmt.Fprintf(w, "  最低置信度: %.2f\n", s.Risk.MinConfidence)
	fmt.Fprintf(w, "  单笔上限: %.2f\n", s.Risk.MaxPositionSize)
	fmt.Fprintf(w, "  最大持仓数: %d\n", s.Risk.MaxOpenPositions)
	fmt.Fprintf(w, "  每日交易上限: %d\n", s.Risk.MaxDailyTrades)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[存储 (STORAGE)]")
	fmt.Fprintf(w, "  账本: %s\n", s.Storage.LedgerPath)
	if s.Storage.RecordPrices {
		fmt.Fprintf(w, "  价格记录: %s\n", s.Storage.PriceDBPath)
	} else {
		fmt.Fprintln(w, "  价格记录: (关闭)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[策略 (STRATEGIES)]")
	if len(s.Strategies) == 0 {
		fmt.Fprintln(w, "  (无)")
	}
	for _, st := range s.Strategies {
		fmt.Fprintf(w, "  - %s: %s\n", st.Name, st.Description)
	}
	fmt.Fprintln(w, line)
}
