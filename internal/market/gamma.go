package market

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"polyclaw/internal/pkg/circuit"
	"polyclaw/internal/types"
)

// GammaClient reads event and market listings from the Gamma discovery API.
type GammaClient struct {
	http *httpGetter
}

func NewGammaClient(baseURL string, timeout time.Duration, breaker *circuit.Breaker) *GammaClient {
	return &GammaClient{http: newHTTPGetter(baseURL, timeout, breaker)}
}

// ActiveEvents returns open events ordered by 24h volume, highest first.
func (c *GammaClient) ActiveEvents(ctx context.Context, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")
	body, err := c.http.get(ctx, "/events", q)
	if err != nil {
		return nil, fmt.Errorf("gamma events: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("gamma events: invalid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("gamma events: expected array, got %s", root.Type)
	}
	return parseEvents(root), nil
}

func parseEvents(root gjson.Result) []types.Event {
	raw := root.Array()
	out := make([]types.Event, 0, len(raw))
	for _, item := range raw {
		ev := types.Event{
			ID:        item.Get("id").String(),
			Title:     item.Get("title").String(),
			Slug:      item.Get("slug").String(),
			Tags:      parseTags(item.Get("tags")),
			Volume24h: firstFloat(item, "volume24hr", "volume_24hr"),
			EndDate:   parseTime(item.Get("endDate").String()),
		}
		item.Get("markets").ForEach(func(_, m gjson.Result) bool {
			ev.Markets = append(ev.Markets, parseMarket(m))
			return true
		})
		out = append(out, ev)
	}
	return out
}

func parseMarket(m gjson.Result) types.Market {
	id := m.Get("conditionId").String()
	if id == "" {
		id = m.Get("id").String()
	}
	market := types.Market{
		ID:        id,
		Question:  m.Get("question").String(),
		Slug:      m.Get("slug").String(),
		Outcomes:  stringList(m.Get("outcomes")),
		TokenIDs:  stringList(m.Get("clobTokenIds")),
		Volume24h: firstFloat(m, "volume24hr", "volume24hrClob"),
		Liquidity: firstFloat(m, "liquidityNum", "liquidity"),
		EndDate:   parseTime(m.Get("endDate").String()),
		Active:    m.Get("active").Bool(),
		Closed:    m.Get("closed").Bool(),
	}
	for _, p := range stringList(m.Get("outcomePrices")) {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			v = 0
		}
		market.OutcomePrices = append(market.OutcomePrices, v)
	}
	if len(market.Outcomes) == 0 && len(market.TokenIDs) == 2 {
		market.Outcomes = []string{"Yes", "No"}
	}
	return market
}

// stringList accepts both a JSON array and a string holding a JSON array,
// which is how Gamma encodes outcomes, prices and token ids.
func stringList(r gjson.Result) []string {
	if r.Type == gjson.String {
		s := strings.TrimSpace(r.String())
		if s == "" || !gjson.Valid(s) {
			return nil
		}
		r = gjson.Parse(s)
	}
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseTags(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, t gjson.Result) bool {
		var label string
		if t.IsObject() {
			label = t.Get("label").String()
			if label == "" {
				label = t.Get("slug").String()
			}
		} else {
			label = t.String()
		}
		if label = strings.TrimSpace(label); label != "" {
			out = append(out, label)
		}
		return true
	})
	return out
}

func firstFloat(r gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
