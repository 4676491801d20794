// Package dexscreener is a minimal client for the DexScreener pair API.
package dexscreener

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// Client fetches USD prices for DEX pairs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a DexScreener client. rps caps outbound requests; zero or less
// disables the cap.
func New(baseURL string, timeout time.Duration, rps float64) *Client {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// priceFields are tried in order; the pair endpoint has used each shape.
var priceFields = []string{"pair.priceUsd", "pairs.0.priceUsd", "priceUsd"}

// PairPrice returns the USD price of a pair. With an empty chain the pair is
// looked up through the search endpoint.
func (c *Client) PairPrice(ctx context.Context, chain, pair string) (float64, error) {
	if pair == "" {
		return 0, fmt.Errorf("dexscreener: %w: empty pair", domain.ErrInvalidDexInput)
	}

	var path string
	if chain != "" {
		path = "/latest/dex/pairs/" + url.PathEscape(chain) + "/" + url.PathEscape(pair)
	} else {
		path = "/latest/dex/search?" + url.Values{"q": {pair}}.Encode()
	}

	body, err := c.doGet(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("dexscreener: pair %s/%s: %w", chain, pair, err)
	}
	price, ok := ParsePrice(body)
	if !ok {
		return 0, fmt.Errorf("dexscreener: pair %s/%s: %w", chain, pair, domain.ErrNoPrice)
	}
	return price, nil
}

// ParsePrice extracts priceUsd from a pair or search response.
func ParsePrice(body []byte) (float64, bool) {
	if !gjson.ValidBytes(body) {
		return 0, false
	}
	for _, r := range gjson.GetManyBytes(body, priceFields...) {
		if !r.Exists() || r.String() == "" {
			continue
		}
		d, err := decimal.NewFromString(r.String())
		if err != nil || !d.IsPositive() {
			return 0, false
		}
		f := d.InexactFloat64()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, nil
}
