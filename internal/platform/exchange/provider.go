// Package exchange implements the market-data providers behind the price feed
// (binance, coinbase, bitstamp) and the CEX ticker clients used by the spread
// tracker. Every provider exposes a websocket stream and a REST poll.
package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

// ConnState is the lifecycle state reported by a provider stream.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateRetry      ConnState = "retry"
)

// Status is reported by a stream on every lifecycle change. Wait is set for
// StateRetry.
type Status struct {
	Provider string
	State    ConnState
	Wait     time.Duration
	Err      error
}

// SampleFunc receives every parsed price.
type SampleFunc func(price float64, provider string, transport domain.Transport)

// StatusFunc receives stream lifecycle changes.
type StatusFunc func(Status)

// Closer stops a running stream. Close blocks until the stream goroutine has
// exited and is safe to call more than once.
type Closer interface {
	Close() error
}

// Provider is one interchangeable market-data source.
type Provider interface {
	Name() string
	// Stream connects the push channel and keeps it connected, reconnecting
	// with backoff, until the returned Closer is closed or ctx is done.
	Stream(ctx context.Context, onSample SampleFunc, onStatus StatusFunc) Closer
	// Fetch polls the REST endpoint once.
	Fetch(ctx context.Context) (float64, error)
}

// Definition describes a websocket + REST provider.
type Definition struct {
	Name      string
	StreamURL string
	RESTURL   string
	// Subscribe is sent once after every successful dial. Nil sends nothing.
	Subscribe []byte
	// ParseStream extracts a price from a stream frame. ok is false for
	// frames that carry no price.
	ParseStream func(raw []byte) (float64, bool)
	ParseREST   func(raw []byte) (float64, bool)
}

// Option configures a WSProvider.
type Option func(*WSProvider)

// WithBackoff overrides the reconnect backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(p *WSProvider) {
		p.backoffBase = base
		p.backoffMax = max
	}
}

// WithHTTPClient overrides the REST client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *WSProvider) { p.httpClient = c }
}

// WSProvider is the Provider built from a Definition.
type WSProvider struct {
	def         Definition
	httpClient  *http.Client
	backoffBase time.Duration
	backoffMax  time.Duration
}

// New creates a provider from def. REST calls time out after restTimeout.
func New(def Definition, restTimeout time.Duration, opts ...Option) *WSProvider {
	if restTimeout <= 0 {
		restTimeout = 5 * time.Second
	}
	p := &WSProvider{
		def:         def,
		httpClient:  &http.Client{Timeout: restTimeout},
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements Provider.
func (p *WSProvider) Name() string { return p.def.Name }

// Fetch implements Provider.
func (p *WSProvider) Fetch(ctx context.Context) (float64, error) {
	body, err := doGet(ctx, p.httpClient, p.def.RESTURL)
	if err != nil {
		return 0, fmt.Errorf("exchange/%s: fetch: %w", p.def.Name, err)
	}
	price, ok := p.def.ParseREST(body)
	if !ok {
		return 0, fmt.Errorf("exchange/%s: fetch: %w", p.def.Name, domain.ErrNoPrice)
	}
	return price, nil
}

// doGet performs a GET and returns the body of a 2xx response.
func doGet(ctx context.Context, c *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

var _ Provider = (*WSProvider)(nil)
