package types

import (
	"strings"
	"time"
)

// Market is one binary question as listed by the discovery API.
type Market struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	Slug          string    `json:"slug"`
	Outcomes      []string  `json:"outcomes"`
	OutcomePrices []float64 `json:"outcome_prices"`
	TokenIDs      []string  `json:"token_ids"`
	Volume24h     float64   `json:"volume_24h"`
	Liquidity     float64   `json:"liquidity"`
	EndDate       time.Time `json:"end_date"`
	Active        bool      `json:"active"`
	Closed        bool      `json:"closed"`
}

// OutcomeFor returns the outcome label and listed price for tokenID.
func (m Market) OutcomeFor(tokenID string) (string, float64, bool) {
	for i, id := range m.TokenIDs {
		if id != tokenID {
			continue
		}
		var outcome string
		var price float64
		if i < len(m.Outcomes) {
			outcome = m.Outcomes[i]
		}
		if i < len(m.OutcomePrices) {
			price = m.OutcomePrices[i]
		}
		return outcome, price, true
	}
	return "", 0, false
}

// Event groups related markets under a single title and tag set.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Tags      []string  `json:"tags"`
	Volume24h float64   `json:"volume_24h"`
	EndDate   time.Time `json:"end_date"`
	Markets   []Market  `json:"markets"`
}

// HasTag matches case-insensitively against the event tags.
func (e Event) HasTag(tags ...string) bool {
	for _, have := range e.Tags {
		for _, want := range tags {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

// MarketContext is the per-tick view of one tradable token. Immutable once built.
type MarketContext struct {
	TokenID          string        `json:"token_id"`
	MarketID         string        `json:"market_id"`
	Outcome          string        `json:"outcome"`
	Question         string        `json:"question"`
	EventID          string        `json:"event_id"`
	EventSlug        string        `json:"event_slug"`
	Title            string        `json:"title"`
	Tags             []string      `json:"tags,omitempty"`
	Midpoint         float64       `json:"midpoint"`
	Spread           float64       `json:"spread"`
	Volume24h        float64       `json:"volume_24h"`
	EndDate          time.Time     `json:"end_date"`
	TimeToResolution time.Duration `json:"time_to_resolution"`
	FetchedAt        time.Time     `json:"fetched_at"`
}

// HasResolution reports whether a resolution date is known.
func (c MarketContext) HasResolution() bool {
	return !c.EndDate.IsZero()
}

// HasTag matches case-insensitively against the context tags.
func (c MarketContext) HasTag(tags ...string) bool {
	return Event{Tags: c.Tags}.HasTag(tags...)
}
