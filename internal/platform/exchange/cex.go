package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// TickerClient reads spot prices from a binance-compatible
// /api/v3/ticker/price endpoint. Binance and MEXC share the format.
type TickerClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewTickerClient creates a client for the exchange at baseURL. rps caps
// outbound requests; zero or less disables the cap.
func NewTickerClient(name, baseURL string, timeout time.Duration, rps float64) *TickerClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &TickerClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Name returns the exchange name.
func (c *TickerClient) Name() string { return c.name }

// Price returns the last traded price for symbol.
func (c *TickerClient) Price(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("exchange/%s: rate limit: %w", c.name, err)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	body, err := doGet(ctx, c.httpClient, c.baseURL+"/api/v3/ticker/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("exchange/%s: ticker %s: %w", c.name, symbol, err)
	}
	price, ok := fieldPrice("price", nil)(body)
	if !ok {
		return 0, fmt.Errorf("exchange/%s: ticker %s: %w", c.name, symbol, domain.ErrNoPrice)
	}
	return price, nil
}

// Tickers routes price requests to the client for each supported exchange.
type Tickers map[string]*TickerClient

// NewTickers builds the binance and mexc ticker clients.
func NewTickers(binanceURL, mexcURL string, timeout time.Duration, rps float64) Tickers {
	return Tickers{
		"binance": NewTickerClient("binance", binanceURL, timeout, rps),
		"mexc":    NewTickerClient("mexc", mexcURL, timeout, rps),
	}
}

// Supports reports whether exchange has a ticker client.
func (t Tickers) Supports(exchange string) bool {
	_, ok := t[strings.ToLower(exchange)]
	return ok
}

// Price returns the price of symbol on exchange.
func (t Tickers) Price(ctx context.Context, exchange, symbol string) (float64, error) {
	c, ok := t[strings.ToLower(exchange)]
	if !ok {
		return 0, fmt.Errorf("exchange: %w: %s", domain.ErrInvalidExchange, exchange)
	}
	return c.Price(ctx, symbol)
}
