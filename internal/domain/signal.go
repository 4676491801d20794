package domain

// Bus channels carrying engine events to the websocket hub.
const (
	ChannelRound  = "ch:round"
	ChannelSpread = "ch:spread"
	ChannelFeed   = "ch:feed"
	StreamEvents  = "stream:events"
)

// Event is the envelope published on the signal bus.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	TS      int64          `json:"ts"`
}
