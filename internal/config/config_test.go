package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.App.Mode)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.Simulation.TickInterval())
	assert.Equal(t, 240*time.Minute, cfg.Simulation.Duration())
	assert.Equal(t, 10, cfg.Simulation.SnapshotEveryNTicks)
	assert.True(t, cfg.Simulation.RecordPrices)
	assert.Equal(t, 1000.0, cfg.Mock.StartingBalance)
	assert.Equal(t, 10.0, cfg.Mock.SlippageBps)
	assert.Equal(t, RiskConfig{MaxPositionSize: 50, MaxOpenPositions: 10, MaxDailyTrades: 20, MinConfidence: 0.6}, cfg.Risk)
	assert.Equal(t, "https://gamma-api.polymarket.com", cfg.Polymarket.GammaURL)
	assert.Equal(t, 100, cfg.Dashboard.ReplayBuffer)
	assert.Equal(t, 50, cfg.Dashboard.ReplayOnConnect)
	assert.NotNil(t, cfg.Strategies)
}

func TestLoad_IncludesAndExplicitZeros(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
risk:
  max_daily_trades: 5
  max_position_size: 25
polymarket:
  clob_url: https://clob.example.com/
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - base.yaml
risk:
  max_daily_trades: 8
mock:
  slippage_bps: 0
simulation:
  record_prices: false
  tick_interval_seconds: "15"
strategies:
  sports_volatility:
    min_volatility: 0.05
    tags: [nba, nfl]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Risk.MaxDailyTrades, "main file overrides include")
	assert.Equal(t, 25.0, cfg.Risk.MaxPositionSize)
	assert.Equal(t, 10, cfg.Risk.MaxOpenPositions)
	assert.Equal(t, "https://clob.example.com", cfg.Polymarket.ClobURL)
	assert.Equal(t, 0.0, cfg.Mock.SlippageBps, "explicit zero must survive defaults")
	assert.False(t, cfg.Simulation.RecordPrices)
	assert.Equal(t, 15, cfg.Simulation.TickIntervalSeconds)

	params := cfg.StrategyParams("sports_volatility")
	require.NotNil(t, params)
	assert.Equal(t, 0.05, params["min_volatility"])
	assert.Nil(t, cfg.StrategyParams("unknown"))
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "app:\n  log_level: info\n  http_addr: \":9000\"\n")
	t.Setenv("POLYCLAW_LOG_LEVEL", "debug")
	t.Setenv("POLYCLAW_HTTP_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":7777", cfg.App.HTTPAddr)

	t.Setenv("POLYCLAW_MODE", "live")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"risk.min_confidence":         "risk:\n  min_confidence: 1.5\n",
		"mock.starting_balance":       "mock:\n  starting_balance: -1\n",
		"dashboard.replay_on_connect": "dashboard:\n  replay_buffer: 10\n  replay_on_connect: 20\n",
		"polymarket.gamma_url":        "polymarket:\n  gamma_url: not-a-url\n",
		"app.log_format":              "app:\n  log_format: xml\n",
	}
	for key, body := range cases {
		t.Run(key, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestExportYAML_OmitsSecrets(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	cfg.Polymarket.APIKey = "secret-key"

	out, err := cfg.ExportYAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret-key")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Contains(t, back, "risk")
	assert.Equal(t, "secret-key", cfg.Polymarket.APIKey, "export must not mutate the live config")
}

func TestLoadDotEnvAndPath(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "POLYCLAW_CONFIG="+filepath.Join(dir, "custom.yaml")+"\n")
	t.Setenv("POLYCLAW_CONFIG", "")
	require.NoError(t, os.Unsetenv("POLYCLAW_CONFIG"))

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, filepath.Join(dir, "custom.yaml"), PathFromEnv())

	require.NoError(t, os.Unsetenv("POLYCLAW_CONFIG"))
	assert.Equal(t, DefaultPath, PathFromEnv())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "strategies:\n  sports_volatility:\n    min_volatility: 0.03\n")

	var latest atomic.Pointer[Config]
	require.NoError(t, Watch(path, func(cfg *Config) { latest.Store(cfg) }))
	require.Error(t, Watch(filepath.Join(dir, "absent.yaml"), func(*Config) {}))

	writeFile(t, dir, "config.yaml", "strategies:\n  sports_volatility:\n    min_volatility: 0.05\n")
	assert.Eventually(t, func() bool {
		cfg := latest.Load()
		if cfg == nil {
			return false
		}
		return cfg.StrategyParams("sports_volatility")["min_volatility"] == 0.05
	}, 5*time.Second, 20*time.Millisecond)
}
