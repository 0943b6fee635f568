package config

import "strings"

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppMode            = "mock"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppHTTPAddr        = ":8080"
	defaultTickIntervalSecs   = 30
	defaultDurationMinutes    = 240
	defaultSnapshotEvery      = 10
	defaultFetchTimeoutSecs   = 10
	defaultFetchConcurrency   = 4
	defaultStrategy           = "sports_volatility"
	defaultPriceDBPath        = "data/prices.db"
	defaultStartingBalance    = 1000
	defaultSlippageBps        = 10
	defaultMaxPositionSize    = 50
	defaultMaxOpenPositions   = 10
	defaultMaxDailyTrades     = 20
	defaultMinConfidence      = 0.6
	defaultGammaURL           = "https://gamma-api.polymarket.com"
	defaultClobURL            = "https://clob.polymarket.com"
	defaultPolyTimeoutSecs    = 10
	defaultEventLimit         = 100
	defaultBreakerThreshold   = 5
	defaultBreakerCooldownSec = 30
	defaultIndexTTLSeconds    = 300
	defaultDatabasePath       = "data/polyclaw.db"
	defaultReplayBuffer       = 100
	defaultReplayOnConnect    = 50
	defaultClientQueue        = 256
)

// applyDefaults 为所有子配置应用默认值，只填用户未显式设置的字段。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Simulation.applyDefaults(keys)
	c.Mock.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Polymarket.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Dashboard.applyDefaults(keys)
	if c.Strategies == nil {
		c.Strategies = make(map[string]map[string]any)
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
	a.LogFormat = strings.ToLower(strings.TrimSpace(a.LogFormat))
}

func (s *SimulationConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("simulation.tick_interval_seconds", &s.TickIntervalSeconds, defaultTickIntervalSecs),
		intFieldDefault("simulation.duration_minutes", &s.DurationMinutes, defaultDurationMinutes),
		intFieldDefault("simulation.snapshot_every_n_ticks", &s.SnapshotEveryNTicks, defaultSnapshotEvery),
		intFieldDefault("simulation.fetch_timeout_seconds", &s.FetchTimeoutSeconds, defaultFetchTimeoutSecs),
		intFieldDefault("simulation.fetch_concurrency", &s.FetchConcurrency, defaultFetchConcurrency),
		stringFieldDefault("simulation.default_strategy", &s.DefaultStrategy, defaultStrategy),
		boolFieldDefault("simulation.record_prices", &s.RecordPrices, true),
		stringFieldDefault("simulation.price_db_path", &s.PriceDBPath, defaultPriceDBPath),
	)
}

func (m *MockConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("mock.starting_balance", &m.StartingBalance, defaultStartingBalance),
		fieldDefault{
			key:   "mock.slippage_bps",
			need:  func() bool { return m.SlippageBps == 0 },
			apply: func() { m.SlippageBps = defaultSlippageBps },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_size", &r.MaxPositionSize, defaultMaxPositionSize),
		intFieldDefault("risk.max_open_positions", &r.MaxOpenPositions, defaultMaxOpenPositions),
		intFieldDefault("risk.max_daily_trades", &r.MaxDailyTrades, defaultMaxDailyTrades),
		fieldDefault{
			key:   "risk.min_confidence",
			need:  func() bool { return r.MinConfidence == 0 },
			apply: func() { r.MinConfidence = defaultMinConfidence },
		},
	)
}

func (p *PolymarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("polymarket.gamma_url", &p.GammaURL, defaultGammaURL),
		stringFieldDefault("polymarket.clob_url", &p.ClobURL, defaultClobURL),
		intFieldDefault("polymarket.timeout_seconds", &p.TimeoutSeconds, defaultPolyTimeoutSecs),
		intFieldDefault("polymarket.event_limit", &p.EventLimit, defaultEventLimit),
		intFieldDefault("polymarket.breaker_threshold", &p.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("polymarket.breaker_cooldown_seconds", &p.BreakerCooldownSeconds, defaultBreakerCooldownSec),
		intFieldDefault("polymarket.index_ttl_seconds", &p.IndexTTLSeconds, defaultIndexTTLSeconds),
	)
	p.GammaURL = strings.TrimRight(strings.TrimSpace(p.GammaURL), "/")
	p.ClobURL = strings.TrimRight(strings.TrimSpace(p.ClobURL), "/")
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("database.path", &d.Path, defaultDatabasePath))
}

func (d *DashboardConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("dashboard.replay_buffer", &d.ReplayBuffer, defaultReplayBuffer),
		intFieldDefault("dashboard.replay_on_connect", &d.ReplayOnConnect, defaultReplayOnConnect),
		intFieldDefault("dashboard.client_queue", &d.ClientQueue, defaultClientQueue),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
