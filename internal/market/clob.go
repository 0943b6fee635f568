package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"polyclaw/internal/pkg/circuit"
)

// PriceClient reads public prices from the CLOB REST API.
type PriceClient struct {
	http *httpGetter
}

func NewPriceClient(baseURL string, timeout time.Duration, breaker *circuit.Breaker) *PriceClient {
	return &PriceClient{http: newHTTPGetter(baseURL, timeout, breaker)}
}

func (c *PriceClient) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	body, err := c.http.get(ctx, "/midpoint", url.Values{"token_id": {tokenID}})
	if err != nil {
		return 0, fmt.Errorf("clob midpoint %s: %w", shortID(tokenID), err)
	}
	mid := gjson.GetBytes(body, "mid")
	if !mid.Exists() {
		return 0, fmt.Errorf("clob midpoint %s: missing mid", shortID(tokenID))
	}
	return mid.Float(), nil
}

func (c *PriceClient) Spread(ctx context.Context, tokenID string) (float64, error) {
	body, err := c.http.get(ctx, "/spread", url.Values{"token_id": {tokenID}})
	if err != nil {
		return 0, fmt.Errorf("clob spread %s: %w", shortID(tokenID), err)
	}
	spread := gjson.GetBytes(body, "spread")
	if !spread.Exists() {
		return 0, fmt.Errorf("clob spread %s: missing spread", shortID(tokenID))
	}
	return spread.Float(), nil
}

// Midpoints fetches several tokens in one request. Tokens without a book are
// absent from the result.
func (c *PriceClient) Midpoints(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}
	params := make([]map[string]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		params = append(params, map[string]string{"token_id": id})
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	body, err := c.http.post(ctx, "/midpoints", payload)
	if err != nil {
		return nil, fmt.Errorf("clob midpoints: %w", err)
	}
	gjson.ParseBytes(body).ForEach(func(k, v gjson.Result) bool {
		if f := v.Float(); f > 0 {
			out[k.String()] = f
		}
		return true
	})
	return out, nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
