package config

import (
	"strings"
	"time"
)

// Config 是 polyclaw 的主配置载体。
type Config struct {
	App        AppConfig                 `toml:"app" yaml:"app" json:"app"`
	Simulation SimulationConfig          `toml:"simulation" yaml:"simulation" json:"simulation"`
	Mock       MockConfig                `toml:"mock" yaml:"mock" json:"mock"`
	Risk       RiskConfig                `toml:"risk" yaml:"risk" json:"risk"`
	Polymarket PolymarketConfig          `toml:"polymarket" yaml:"polymarket" json:"polymarket"`
	Database   DatabaseConfig            `toml:"database" yaml:"database" json:"database"`
	Dashboard  DashboardConfig           `toml:"dashboard" yaml:"dashboard" json:"dashboard"`
	Strategies map[string]map[string]any `toml:"strategies" yaml:"strategies" json:"strategies"`
}

type AppConfig struct {
	Env       string `toml:"env" yaml:"env" json:"env"`
	Mode      string `toml:"mode" yaml:"mode" json:"mode"`
	LogLevel  string `toml:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format" json:"log_format"`
	LogPath   string `toml:"log_path" yaml:"log_path" json:"log_path"`
	HTTPAddr  string `toml:"http_addr" yaml:"http_addr" json:"http_addr"`
}

// SimulationConfig 控制 tick 节奏与每个 tick 内的抓取并发。
type SimulationConfig struct {
	TickIntervalSeconds int    `toml:"tick_interval_seconds" yaml:"tick_interval_seconds" json:"tick_interval_seconds"`
	DurationMinutes     int    `toml:"duration_minutes" yaml:"duration_minutes" json:"duration_minutes"`
	SnapshotEveryNTicks int    `toml:"snapshot_every_n_ticks" yaml:"snapshot_every_n_ticks" json:"snapshot_every_n_ticks"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	FetchConcurrency    int    `toml:"fetch_concurrency" yaml:"fetch_concurrency" json:"fetch_concurrency"`
	DefaultStrategy     string `toml:"default_strategy" yaml:"default_strategy" json:"default_strategy"`
	RecordPrices        bool   `toml:"record_prices" yaml:"record_prices" json:"record_prices"`
	PriceDBPath         string `toml:"price_db_path" yaml:"price_db_path" json:"price_db_path"`
}

func (s SimulationConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

func (s SimulationConfig) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s SimulationConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

type MockConfig struct {
	StartingBalance float64 `toml:"starting_balance" yaml:"starting_balance" json:"starting_balance"`
	SlippageBps     float64 `toml:"slippage_bps" yaml:"slippage_bps" json:"slippage_bps"`
}

type RiskConfig struct {
	MaxPositionSize  float64 `toml:"max_position_size" yaml:"max_position_size" json:"max_position_size"`
	MaxOpenPositions int     `toml:"max_open_positions" yaml:"max_open_positions" json:"max_open_positions"`
	MaxDailyTrades   int     `toml:"max_daily_trades" yaml:"max_daily_trades" json:"max_daily_trades"`
	MinConfidence    float64 `toml:"min_confidence" yaml:"min_confidence" json:"min_confidence"`
}

type PolymarketConfig struct {
	GammaURL               string `toml:"gamma_url" yaml:"gamma_url" json:"gamma_url"`
	ClobURL                string `toml:"clob_url" yaml:"clob_url" json:"clob_url"`
	TimeoutSeconds         int    `toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	EventLimit             int    `toml:"event_limit" yaml:"event_limit" json:"event_limit"`
	BreakerThreshold       int    `toml:"breaker_threshold" yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
	IndexTTLSeconds        int    `toml:"index_ttl_seconds" yaml:"index_ttl_seconds" json:"index_ttl_seconds"`
	// APIKey 仅用于未来的真实下单通道，导出配置时会被隐藏。
	APIKey string `toml:"api_key" yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

func (p PolymarketConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p PolymarketConfig) BreakerCooldown() time.Duration {
	return time.Duration(p.BreakerCooldownSeconds) * time.Second
}

func (p PolymarketConfig) IndexTTL() time.Duration {
	return time.Duration(p.IndexTTLSeconds) * time.Second
}

type DatabaseConfig struct {
	Path string `toml:"path" yaml:"path" json:"path"`
}

type DashboardConfig struct {
	ReplayBuffer    int `toml:"replay_buffer" yaml:"replay_buffer" json:"replay_buffer"`
	ReplayOnConnect int `toml:"replay_on_connect" yaml:"replay_on_connect" json:"replay_on_connect"`
	ClientQueue     int `toml:"client_queue" yaml:"client_queue" json:"client_queue"`
}

// StrategyParams 返回指定策略的参数副本；未配置时返回 nil。
func (c *Config) StrategyParams(name string) map[string]any {
	if c == nil || len(c.Strategies) == 0 {
		return nil
	}
	raw, ok := c.Strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// Redacted 返回去掉敏感字段后的副本，供 /api/config 导出。
func (c Config) Redacted() Config {
	c.Polymarket.APIKey = ""
	return c
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
