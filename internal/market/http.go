package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"polyclaw/internal/pkg/circuit"
)

// ErrNotFound marks a 404 from the upstream API, e.g. a token without an order book.
var ErrNotFound = errors.New("not found")

const maxBodyBytes = 8 << 20

type httpGetter struct {
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker
}

func newHTTPGetter(baseURL string, timeout time.Duration, breaker *circuit.Breaker) *httpGetter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpGetter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (g *httpGetter) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	target := g.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return g.do(ctx, http.MethodGet, target, nil)
}

func (g *httpGetter) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return g.do(ctx, http.MethodPost, g.baseURL+path, payload)
}

// do runs the request through the breaker. A 404 is a healthy answer for
// the breaker but surfaces to the caller as ErrNotFound.
func (g *httpGetter) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body []byte
	var notFound bool
	call := func(ctx context.Context) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return err
	}
	var err error
	if g.breaker != nil {
		err = g.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return body, nil
}
