package exchange

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Pair is a base/quote instrument, e.g. BTC/USDT.
type Pair struct {
	Base  string
	Quote string
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "USD", "EUR", "BTC"}

// ParsePair splits a concatenated symbol such as "BTCUSDT" or "btc-usd".
func ParsePair(symbol string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if base, quote, ok := strings.Cut(s, "-"); ok && base != "" && quote != "" {
		return Pair{Base: base, Quote: quote}, nil
	}
	for _, q := range knownQuotes {
		if base, ok := strings.CutSuffix(s, q); ok && base != "" {
			return Pair{Base: base, Quote: q}, nil
		}
	}
	return Pair{}, fmt.Errorf("exchange: unrecognised symbol %q", symbol)
}

// fiatQuote maps stablecoin quotes to USD for venues that list fiat pairs.
func (p Pair) fiatQuote() string {
	switch p.Quote {
	case "USDT", "USDC", "FDUSD":
		return "USD"
	}
	return p.Quote
}

// parsePrice accepts a decimal string and rejects anything that is not a
// finite positive number.
func parsePrice(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// fieldPrice returns a parser reading path from a JSON document. When cond is
// set the document must also satisfy it.
func fieldPrice(path string, cond func(gjson.Result) bool) func([]byte) (float64, bool) {
	return func(raw []byte) (float64, bool) {
		if !gjson.ValidBytes(raw) {
			return 0, false
		}
		doc := gjson.ParseBytes(raw)
		if cond != nil && !cond(doc) {
			return 0, false
		}
		return parsePrice(doc.Get(path).String())
	}
}

func fieldEquals(path, want string) func(gjson.Result) bool {
	return func(doc gjson.Result) bool { return doc.Get(path).String() == want }
}

// Binance streams trades from stream.binance.com and polls the ticker.
func Binance(pair Pair) Definition {
	sym := pair.Base + pair.Quote
	return Definition{
		Name:        "binance",
		StreamURL:   "wss://stream.binance.com:9443/ws/" + strings.ToLower(sym) + "@trade",
		RESTURL:     "https://api.binance.com/api/v3/ticker/price?symbol=" + sym,
		ParseStream: fieldPrice("p", nil),
		ParseREST:   fieldPrice("price", nil),
	}
}

// Coinbase subscribes to the ticker channel of the exchange feed.
func Coinbase(pair Pair) Definition {
	product := pair.Base + "-" + pair.fiatQuote()
	return Definition{
		Name:      "coinbase",
		StreamURL: "wss://ws-feed.exchange.coinbase.com",
		RESTURL:   "https://api.exchange.coinbase.com/products/" + product + "/ticker",
		Subscribe: fmt.Appendf(nil,
			`{"type":"subscribe","channels":[{"name":"ticker","product_ids":[%q]}]}`, product),
		ParseStream: fieldPrice("price", fieldEquals("type", "ticker")),
		ParseREST:   fieldPrice("price", nil),
	}
}

// Bitstamp subscribes to the live trades channel.
func Bitstamp(pair Pair) Definition {
	sym := strings.ToLower(pair.Base + pair.fiatQuote())
	return Definition{
		Name:      "bitstamp",
		StreamURL: "wss://ws.bitstamp.net",
		RESTURL:   "https://www.bitstamp.net/api/v2/ticker/" + sym + "/",
		Subscribe: fmt.Appendf(nil,
			`{"event":"bts:subscribe","data":{"channel":"live_trades_%s"}}`, sym),
		ParseStream: fieldPrice("data.price", fieldEquals("event", "trade")),
		ParseREST:   fieldPrice("last", nil),
	}
}

// Lookup returns the definition for a provider name.
func Lookup(name string, pair Pair) (Definition, error) {
	switch strings.ToLower(name) {
	case "binance":
		return Binance(pair), nil
	case "coinbase":
		return Coinbase(pair), nil
	case "bitstamp":
		return Bitstamp(pair), nil
	}
	return Definition{}, fmt.Errorf("exchange: unknown provider %q", name)
}
