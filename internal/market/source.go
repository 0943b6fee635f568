package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"polyclaw/internal/logger"
	"polyclaw/internal/types"
)

// ErrNoPrice is returned when neither the order book nor the listing has a usable price.
var ErrNoPrice = errors.New("no usable price")

// ScanSpread stands in for the order-book spread when contexts are built from
// listing prices only.
const ScanSpread = 0.02

// prefetchTTL bounds how long a batch midpoint may stand in for a live read.
const prefetchTTL = 15 * time.Second

type SourceOptions struct {
	EventLimit int
	IndexTTL   time.Duration
}

type prefetched struct {
	mid float64
	at  time.Time
}

type indexEntry struct {
	event   types.Event
	market  types.Market
	outcome string
	price   float64
}

// Source builds per-token MarketContexts from the Gamma listing plus live
// CLOB prices. It is safe for concurrent use by the tick fetchers.
type Source struct {
	gamma  *GammaClient
	prices *PriceClient
	opts   SourceOptions
	nowFn  func() time.Time

	refreshMu   sync.Mutex
	mu          sync.RWMutex
	events      []types.Event
	index       map[string]indexEntry
	refreshedAt time.Time
	mids        map[string]prefetched
}

func NewSource(gamma *GammaClient, prices *PriceClient, opts SourceOptions) *Source {
	if opts.EventLimit <= 0 {
		opts.EventLimit = 100
	}
	if opts.IndexTTL <= 0 {
		opts.IndexTTL = 5 * time.Minute
	}
	return &Source{
		gamma:  gamma,
		prices: prices,
		opts:   opts,
		nowFn:  time.Now,
		index:  make(map[string]indexEntry),
		mids:   make(map[string]prefetched),
	}
}

func (s *Source) SetClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// Refresh reloads the active event listing and rebuilds the token index.
func (s *Source) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Source) refreshLocked(ctx context.Context) error {
	events, err := s.gamma.ActiveEvents(ctx, s.opts.EventLimit)
	if err != nil {
		return err
	}
	index := make(map[string]indexEntry)
	for _, ev := range events {
		for _, m := range ev.Markets {
			for _, tokenID := range m.TokenIDs {
				outcome, price, _ := m.OutcomeFor(tokenID)
				index[tokenID] = indexEntry{event: ev, market: m, outcome: outcome, price: price}
			}
		}
	}
	s.mu.Lock()
	s.events = events
	s.index = index
	s.refreshedAt = s.nowFn()
	s.mu.Unlock()
	logger.Debugf("MarketSource: indexed %d events, %d tokens", len(events), len(index))
	return nil
}

func (s *Source) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt.IsZero() || s.nowFn().Sub(s.refreshedAt) >= s.opts.IndexTTL
}

// ensureIndex refreshes a stale index once; concurrent callers wait for the
// same refresh. A failed refresh keeps serving the previous index.
func (s *Source) ensureIndex(ctx context.Context) {
	if !s.stale() {
		return
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !s.stale() {
		return
	}
	if err := s.refreshLocked(ctx); err != nil {
		logger.Warnf("MarketSource: listing refresh failed, using previous index: %v", err)
	}
}

// Events returns the last fetched listing.
func (s *Source) Events() []types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Event(nil), s.events...)
}

// Lookup returns the indexed market for tokenID.
func (s *Source) Lookup(tokenID string) (types.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[tokenID]
	return e.market, ok
}

func (s *Source) entry(tokenID string) (indexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[tokenID]
	return e, ok
}

// Tokens 返回当前列表中每个开放市场的第一个（Yes）token，按列表顺序。
func (s *Source) Tokens(ctx context.Context) ([]string, error) {
	s.ensureIndex(ctx)
	events := s.Events()
	if len(events) == 0 {
		s.mu.RLock()
		never := s.refreshedAt.IsZero()
		s.mu.RUnlock()
		if never {
			return nil, fmt.Errorf("market listing unavailable")
		}
	}
	var out []string
	for _, ev := range events {
		for _, m := range ev.Markets {
			if m.Closed || len(m.TokenIDs) == 0 {
				continue
			}
			out = append(out, m.TokenIDs[0])
		}
	}
	return out, nil
}

// Prefetch 用一次批量请求取中间价，供随后的 Context 调用各消费一次。
func (s *Source) Prefetch(ctx context.Context, tokenIDs []string) error {
	mids, err := s.prices.Midpoints(ctx, tokenIDs)
	if err != nil {
		return err
	}
	now := s.nowFn()
	s.mu.Lock()
	for id, mid := range mids {
		s.mids[id] = prefetched{mid: mid, at: now}
	}
	s.mu.Unlock()
	logger.Debugf("MarketSource: prefetched %d/%d midpoints", len(mids), len(tokenIDs))
	return nil
}

// takePrefetched returns and forgets a fresh batch midpoint for tokenID.
func (s *Source) takePrefetched(tokenID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.mids[tokenID]
	if !ok {
		return 0, false
	}
	delete(s.mids, tokenID)
	if s.nowFn().Sub(p.at) > prefetchTTL {
		return 0, false
	}
	return p.mid, true
}

// Context builds the live view of one token. The CLOB midpoint wins; the
// listing price is the fallback when the order book cannot be read.
func (s *Source) Context(ctx context.Context, tokenID string) (types.MarketContext, error) {
	s.ensureIndex(ctx)
	entry, known := s.entry(tokenID)

	mid, cached := s.takePrefetched(tokenID)
	var err error
	if !cached {
		mid, err = s.prices.Midpoint(ctx, tokenID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return types.MarketContext{}, ctx.Err()
		}
		if !known || entry.price <= 0 {
			return types.MarketContext{}, fmt.Errorf("%w for %s: %v", ErrNoPrice, shortID(tokenID), err)
		}
		logger.Debugf("MarketSource: midpoint fallback to listing price for %s: %v", shortID(tokenID), err)
		mid = entry.price
	}
	if mid <= 0 {
		if known && entry.price > 0 {
			mid = entry.price
		} else {
			return types.MarketContext{}, fmt.Errorf("%w for %s", ErrNoPrice, shortID(tokenID))
		}
	}

	spread, err := s.prices.Spread(ctx, tokenID)
	if err != nil {
		if ctx.Err() != nil {
			return types.MarketContext{}, ctx.Err()
		}
		spread = 0
	}

	now := s.nowFn()
	if !known {
		return types.MarketContext{TokenID: tokenID, Midpoint: mid, Spread: spread, FetchedAt: now}, nil
	}
	return buildContext(entry, tokenID, mid, spread, now), nil
}

// ScanContexts builds one lightweight context per open market from listing
// prices alone, using the first (Yes) token of each market.
func (s *Source) ScanContexts(ctx context.Context) ([]types.MarketContext, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	now := s.nowFn()
	var out []types.MarketContext
	for _, ev := range s.Events() {
		for _, m := range ev.Markets {
			if m.Closed || len(m.TokenIDs) == 0 {
				continue
			}
			tokenID := m.TokenIDs[0]
			outcome, price, _ := m.OutcomeFor(tokenID)
			if price <= 0 {
				continue
			}
			entry := indexEntry{event: ev, market: m, outcome: outcome, price: price}
			out = append(out, buildContext(entry, tokenID, price, ScanSpread, now))
		}
	}
	return out, nil
}

func buildContext(e indexEntry, tokenID string, mid, spread float64, now time.Time) types.MarketContext {
	end := e.market.EndDate
	if end.IsZero() {
		end = e.event.EndDate
	}
	var ttr time.Duration
	if !end.IsZero() {
		ttr = end.Sub(now)
	}
	return types.MarketContext{
		TokenID:          tokenID,
		MarketID:         e.market.ID,
		Outcome:          e.outcome,
		Question:         e.market.Question,
		EventID:          e.event.ID,
		EventSlug:        e.event.Slug,
		Title:            e.event.Title,
		Tags:             append([]string(nil), e.event.Tags...),
		Midpoint:         mid,
		Spread:           spread,
		Volume24h:        e.event.Volume24h,
		EndDate:          end,
		TimeToResolution: ttr,
		FetchedAt:        now,
	}
}
