package strategy

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"polyclaw/internal/logger"
	"polyclaw/internal/types"
)

var ErrStrategyNotFound = errors.New("strategy not found")

// Strategy is the pluggable decision capability driven by the scheduler.
// The run loop calls Evaluate and ShouldClose while a scan may call
// ScanCandidates from another goroutine, so implementations guard their state.
type Strategy interface {
	Name() string
	Description() string
	// Configure merges params over the strategy defaults. It is called once
	// before every run.
	Configure(params map[string]any) error
	// Evaluate returns at most one entry signal for ctx, or nil.
	Evaluate(ctx types.MarketContext) (*types.TradeSignal, error)
	// ShouldClose returns an exit signal for an open position, or nil.
	ShouldClose(pos types.Position, ctx types.MarketContext) (*types.TradeSignal, error)
	// ScanCandidates filters and scores markets, best first.
	ScanCandidates(ctxs []types.MarketContext) []Candidate
}

// Candidate is one scored market returned by a scan.
type Candidate struct {
	EventID        string   `json:"event_id"`
	EventTitle     string   `json:"event_title"`
	EventSlug      string   `json:"event_slug"`
	URL            string   `json:"polymarket_url"`
	MarketID       string   `json:"market_id"`
	Question       string   `json:"question"`
	TokenID        string   `json:"token_id"`
	Midpoint       float64  `json:"midpoint"`
	Spread         float64  `json:"spread"`
	Volume24h      float64  `json:"volume_24hr"`
	HoursToResolve *float64 `json:"time_to_resolution_hrs"`
	EndDate        string   `json:"end_date,omitempty"`
	Tags           []string `json:"tags"`
	Score          float64  `json:"score"`
	Reasoning      string   `json:"reasoning"`
}

// Registry holds strategies by name in registration order.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Strategy
	order []string
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byKey: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any strategy with the same name.
func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	name := s.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byKey[name] = s
	logger.Infof("Strategy registered: %s", name)
}

func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrStrategyNotFound, name, strings.Join(r.order, ", "))
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byKey[name])
	}
	return out
}

// Info is the public description of a registered strategy.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Describe lists every strategy in registration order.
func (r *Registry) Describe() []Info {
	all := r.All()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, Info{Name: s.Name(), Description: s.Description()})
	}
	return out
}
