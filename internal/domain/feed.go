package domain

import "time"

// Transport identifies how a price sample arrived.
type Transport string

const (
	TransportStream Transport = "stream"
	TransportPoll   Transport = "poll"
)

// FeedStatus is a snapshot of the price feed's bookkeeping.
type FeedStatus struct {
	Provider      string
	Transport     Transport
	Connected     bool
	LastPrice     *float64
	LastMessageAt time.Time
	AgeMs         int64
	FailoverCount int64
}

// PriceTick is a persisted sample of the feed price.
type PriceTick struct {
	ID        int64
	Symbol    string
	Price     float64
	Provider  string
	CreatedAt time.Time
}
