package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/pricearena/internal/cache/memory"
	"github.com/alanyoungcy/pricearena/internal/domain"
	"github.com/alanyoungcy/pricearena/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePrice struct {
	mu    sync.Mutex
	price float64
	ok    bool
}

func (p *fakePrice) Set(v float64) {
	p.mu.Lock()
	p.price, p.ok = v, true
	p.mu.Unlock()
}

func (p *fakePrice) LastPrice() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.ok
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _ string, _ map[string]any) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemStore(clock *fakeClock) *memory.Store {
	policy := domain.LevelPolicy{Curve: domain.LevelCurve{Base: 5000, Growth: 1.15}}
	return memory.New(policy, 0, memory.WithClock(clock.Now))
}

func fund(t *testing.T, l domain.Ledger, user string, amount int64) {
	t.Helper()
	_, err := l.CreditBalance(context.Background(), user, amount)
	require.NoError(t, err)
}

func balance(t *testing.T, users domain.UserStore, user string) int64 {
	t.Helper()
	u, err := users.GetUser(context.Background(), user)
	require.NoError(t, err)
	return u.Balance
}

func auditEvents(t *testing.T, a domain.AuditStore) []string {
	t.Helper()
	entries, err := a.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

func busEventTypes(t *testing.T, bus *cachemem.Bus) []string {
	t.Helper()
	msgs, err := bus.StreamRead(context.Background(), domain.StreamEvents, "0", 0)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var evt domain.Event
		require.NoError(t, json.Unmarshal(m.Payload, &evt))
		out = append(out, evt.Type)
	}
	return out
}
