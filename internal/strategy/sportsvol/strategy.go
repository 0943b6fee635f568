package sportsvol

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markcheno/go-talib"

	"polyclaw/internal/logger"
	"polyclaw/internal/strategy"
	"polyclaw/internal/types"
)

const Name = "sports_volatility"

// minSamples is the history length below which volatility reads as zero.
const minSamples = 3

// Strategy buys dips below the rolling mean on short-dated sports markets and
// exits on take profit, stop loss or imminent resolution.
type Strategy struct {
	mu      sync.Mutex
	params  Params
	history map[string][]float64
}

func New() *Strategy {
	return &Strategy{
		params:  DefaultParams(),
		history: make(map[string][]float64),
	}
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) Description() string {
	return "Sports events with high volatility, resolving within days"
}

// Configure resets price history; every run starts cold.
func (s *Strategy) Configure(params map[string]any) error {
	p, err := decodeParams(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.params = p
	s.history = make(map[string][]float64)
	s.mu.Unlock()
	logger.Infof("Strategy %s configured: %+v", Name, p)
	return nil
}

func (s *Strategy) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Strategy) passesFilters(ctx types.MarketContext) bool {
	p := s.params
	if len(p.Tags) > 0 && !ctx.HasTag(p.Tags...) {
		return false
	}
	if ctx.HasResolution() {
		if ctx.TimeToResolution < 0 {
			return false
		}
		if ctx.TimeToResolution.Hours() > p.MaxDaysToResolution*24 {
			return false
		}
	}
	if ctx.Volume24h < p.MinVolume24h {
		return false
	}
	if ctx.Spread > 0 && ctx.Spread > p.MaxSpread {
		return false
	}
	return true
}

func tradablePrice(mid float64) bool {
	return mid > 0.01 && mid < 0.99
}

func (s *Strategy) record(tokenID string, price float64) []float64 {
	h := append(s.history[tokenID], price)
	if over := len(h) - s.params.PriceWindowSize; over > 0 {
		h = append([]float64(nil), h[over:]...)
	}
	s.history[tokenID] = h
	return h
}

// volatility is the coefficient of variation (sample stdev over mean) of the
// window, and the window mean.
func volatility(history []float64) (float64, float64) {
	n := len(history)
	if n < minSamples {
		return 0, 0
	}
	mean := talib.Sma(history, n)[n-1]
	if mean == 0 {
		return 0, 0
	}
	popStd := talib.StdDev(history, n, 1)[n-1]
	sampleStd := popStd * math.Sqrt(float64(n)/float64(n-1))
	return sampleStd / mean, mean
}

func (s *Strategy) Evaluate(ctx types.MarketContext) (*types.TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.passesFilters(ctx) || !tradablePrice(ctx.Midpoint) {
		return nil, nil
	}
	history := s.record(ctx.TokenID, ctx.Midpoint)
	vol, mean := volatility(history)
	if len(history) < minSamples || vol < s.params.MinVolatility {
		return nil, nil
	}
	if ctx.Midpoint >= mean*(1-s.params.MeanReversionThreshold) {
		return nil, nil
	}
	confidence := math.Min(0.9, 0.6+vol)
	size := math.Min(20, math.Max(5, 10*confidence))
	outcome := ctx.Outcome
	if outcome == "" {
		outcome = "Yes"
	}
	return &types.TradeSignal{
		TokenID:    ctx.TokenID,
		MarketID:   ctx.MarketID,
		Side:       types.SideBuy,
		Outcome:    outcome,
		Price:      ctx.Midpoint,
		Size:       size,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("Mean reversion: price %.4f < mean %.4f (vol=%.3f, spread=%.4f)",
			ctx.Midpoint, mean, vol, ctx.Spread),
		Strategy: Name,
	}, nil
}

func (s *Strategy) ShouldClose(pos types.Position, ctx types.MarketContext) (*types.TradeSignal, error) {
	if ctx.Midpoint <= 0 || pos.AvgPrice <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	tp, sl := s.params.TakeProfitPct, s.params.StopLossPct
	s.mu.Unlock()

	pnlPct := (ctx.Midpoint - pos.AvgPrice) / pos.AvgPrice
	var reason string
	switch {
	case pnlPct >= tp:
		reason = fmt.Sprintf("Take profit: %.1f%% >= %.1f%%", pnlPct*100, tp*100)
	case pnlPct <= -sl:
		reason = fmt.Sprintf("Stop loss: %.1f%% <= -%.1f%%", pnlPct*100, sl*100)
	}
	if ctx.HasResolution() && ctx.TimeToResolution < time.Hour {
		reason = fmt.Sprintf("Market resolving soon (%s)", ctx.TimeToResolution.Round(time.Second))
	}
	if reason == "" {
		return nil, nil
	}
	return &types.TradeSignal{
		TokenID:    pos.TokenID,
		MarketID:   pos.MarketID,
		Side:       types.SideSell,
		Outcome:    pos.Outcome,
		Price:      ctx.Midpoint,
		Size:       pos.Size,
		Confidence: 0.9,
		Reasoning:  reason,
		Strategy:   Name,
	}, nil
}

// ScanCandidates scores each market 0-100 from volatility (40), spread
// tightness (30) and 24h volume (30). Tokens with no price history score zero
// on volatility, so a cold scan ranks on spread and volume alone and equal
// inputs keep their input order.
func (s *Strategy) ScanCandidates(ctxs []types.MarketContext) []strategy.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]strategy.Candidate, 0, len(ctxs))
	for _, ctx := range ctxs {
		if !s.passesFilters(ctx) || !tradablePrice(ctx.Midpoint) {
			continue
		}
		vol, _ := volatility(s.history[ctx.TokenID])
		spreadScore := math.Max(0, 1-ctx.Spread/0.10)
		volumeScore := math.Min(1, ctx.Volume24h/100000)
		score := math.Round((vol*40+spreadScore*30+volumeScore*30)*10) / 10

		parts := make([]string, 0, 4)
		if vol > 0 {
			parts = append(parts, fmt.Sprintf("vol=%.3f", vol))
		}
		parts = append(parts, fmt.Sprintf("spread=%.4f", ctx.Spread))
		parts = append(parts, fmt.Sprintf("vol24h=$%.0f", ctx.Volume24h))

		c := strategy.Candidate{
			EventID:    ctx.EventID,
			EventTitle: ctx.Title,
			EventSlug:  ctx.EventSlug,
			MarketID:   ctx.MarketID,
			Question:   ctx.Question,
			TokenID:    ctx.TokenID,
			Midpoint:   round(ctx.Midpoint, 4),
			Spread:     round(ctx.Spread, 4),
			Volume24h:  ctx.Volume24h,
			Tags:       ctx.Tags,
			Score:      score,
		}
		if ctx.EventSlug != "" {
			c.URL = "https://polymarket.com/event/" + ctx.EventSlug
		}
		if ctx.HasResolution() {
			hrs := round(ctx.TimeToResolution.Hours(), 1)
			c.HoursToResolve = &hrs
			c.EndDate = ctx.EndDate.UTC().Format(time.RFC3339)
			parts = append(parts, fmt.Sprintf("resolves in %.0fh", hrs))
		}
		c.Reasoning = strings.Join(parts, ", ")
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

var _ strategy.Strategy = (*Strategy)(nil)
