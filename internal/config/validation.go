package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Simulation.validate(); err != nil {
		return err
	}
	if err := c.Mock.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Polymarket.validate(); err != nil {
		return err
	}
	if err := c.Dashboard.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	if a.Mode != "mock" {
		return fmt.Errorf("app.mode %q is not supported, only mock trading is available", a.Mode)
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	if a.LogFormat != "text" && a.LogFormat != "json" {
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (s *SimulationConfig) validate() error {
	if s.TickIntervalSeconds <= 0 {
		return fmt.Errorf("simulation.tick_interval_seconds must be > 0")
	}
	if s.DurationMinutes < 0 {
		return fmt.Errorf("simulation.duration_minutes must be >= 0")
	}
	if s.SnapshotEveryNTicks <= 0 {
		return fmt.Errorf("simulation.snapshot_every_n_ticks must be > 0")
	}
	if s.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("simulation.fetch_timeout_seconds must be > 0")
	}
	if s.FetchConcurrency <= 0 {
		return fmt.Errorf("simulation.fetch_concurrency must be > 0")
	}
	if s.RecordPrices && strings.TrimSpace(s.PriceDBPath) == "" {
		return fmt.Errorf("simulation.price_db_path is required when record_prices is enabled")
	}
	return nil
}

func (m *MockConfig) validate() error {
	if m.StartingBalance <= 0 {
		return fmt.Errorf("mock.starting_balance must be > 0")
	}
	if m.SlippageBps < 0 || m.SlippageBps >= 10000 {
		return fmt.Errorf("mock.slippage_bps must be within [0,10000)")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be within [0,1]")
	}
	if r.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if r.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if r.MaxDailyTrades <= 0 {
		return fmt.Errorf("risk.max_daily_trades must be > 0")
	}
	return nil
}

func (p *PolymarketConfig) validate() error {
	for key, raw := range map[string]string{"polymarket.gamma_url": p.GammaURL, "polymarket.clob_url": p.ClobURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
		}
	}
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("polymarket.timeout_seconds must be > 0")
	}
	if p.BreakerThreshold <= 0 {
		return fmt.Errorf("polymarket.breaker_threshold must be > 0")
	}
	return nil
}

func (d *DashboardConfig) validate() error {
	if d.ReplayOnConnect > d.ReplayBuffer {
		return fmt.Errorf("dashboard.replay_on_connect (%d) cannot exceed replay_buffer (%d)", d.ReplayOnConnect, d.ReplayBuffer)
	}
	return nil
}
