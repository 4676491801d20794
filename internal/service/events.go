package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/notify"
)

// Notifier is the operator alert channel. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title string, fields map[string]any) error
}

var _ Notifier = (*notify.Notifier)(nil)

// PriceSource is the read side of the price feed.
type PriceSource interface {
	LastPrice() (float64, bool)
}

// sideEffects bundles the best-effort outputs shared by the engines. Every
// field may be nil; failures are logged and never fail the caller.
type sideEffects struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// publish sends an event on channel and appends it to the durable event
// stream.
func (s sideEffects) publish(ctx context.Context, channel, typ string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	evt, err := json.Marshal(domain.Event{Type: typ, Payload: payload, TS: s.now().UnixMilli()})
	if err != nil {
		s.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamEvents, evt); err != nil {
		s.logger.WarnContext(ctx, "append event stream failed",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
	}
}

// broadcast sends a transient event on channel without persisting it to the
// event stream.
func (s sideEffects) broadcast(ctx context.Context, channel, typ string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	evt, err := json.Marshal(domain.Event{Type: typ, Payload: payload, TS: s.now().UnixMilli()})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, evt); err != nil {
		s.logger.DebugContext(ctx, "broadcast event failed",
			slog.String("channel", channel),
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
	}
}

func (s sideEffects) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s sideEffects) alert(ctx context.Context, event, title string, fields map[string]any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, fields); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// anomaly logs, audits and alerts an invariant violation.
func (s sideEffects) anomaly(ctx context.Context, kind string, err error, detail map[string]any) {
	attrs := []any{slog.String("kind", kind), slog.String("error", err.Error())}
	for k, v := range detail {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.ErrorContext(ctx, "anomaly", attrs...)

	full := make(map[string]any, len(detail)+2)
	for k, v := range detail {
		full[k] = v
	}
	full["kind"] = kind
	full["error"] = err.Error()
	s.record(ctx, "anomaly", full)
	s.alert(ctx, notify.EventAnomaly, "Anomaly: "+kind, full)
}
