package sportsvol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Params are the tunables of the sports volatility strategy.
type Params struct {
	MaxDaysToResolution    float64  `toml:"max_days_to_resolution" json:"max_days_to_resolution"`
	MinVolatility          float64  `toml:"min_volatility" json:"min_volatility"`
	MaxSpread              float64  `toml:"max_spread" json:"max_spread"`
	PriceWindowSize        int      `toml:"price_window_size" json:"price_window_size"`
	MinVolume24h           float64  `toml:"min_volume_24hr" json:"min_volume_24hr"`
	Tags                   []string `toml:"tags" json:"tags"`
	TakeProfitPct          float64  `toml:"take_profit_pct" json:"take_profit_pct"`
	StopLossPct            float64  `toml:"stop_loss_pct" json:"stop_loss_pct"`
	MeanReversionThreshold float64  `toml:"mean_reversion_threshold" json:"mean_reversion_threshold"`
}

func defaultParams() map[string]any {
	return map[string]any{
		"max_days_to_resolution": 7.0,
		"min_volatility":         0.03,
		"max_spread":             0.06,
		"price_window_size":      20,
		"min_volume_24hr":        5000.0,
		"tags": []string{"sports", "nba", "nfl", "mlb", "nhl", "soccer", "mma", "tennis",
			"boxing", "cricket", "f1", "rugby"},
		"take_profit_pct":          0.10,
		"stop_loss_pct":            0.15,
		"mean_reversion_threshold": 0.08,
	}
}

// DefaultParams returns the built-in tunables.
func DefaultParams() Params {
	p, _ := decodeParams(nil)
	return p
}

// decodeParams overlays overrides on the defaults key by key, so a list in
// overrides replaces the default list instead of being merged into it.
func decodeParams(overrides map[string]any) (Params, error) {
	merged := defaultParams()
	for k, v := range overrides {
		merged[k] = v
	}
	var p Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "toml",
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return Params{}, err
	}
	if err := dec.Decode(merged); err != nil {
		return Params{}, fmt.Errorf("sports_volatility params: %w", err)
	}
	if p.PriceWindowSize < 3 {
		return Params{}, fmt.Errorf("sports_volatility params: price_window_size must be >= 3, got %d", p.PriceWindowSize)
	}
	return p, nil
}
