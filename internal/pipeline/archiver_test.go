package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

type fakeBlob struct {
	mu        sync.Mutex
	cutoffs   []time.Time
	roundsErr error
	done      chan struct{}
}

func (f *fakeBlob) ArchiveRounds(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, before)
	f.mu.Unlock()
	return 3, f.roundsErr
}

func (f *fakeBlob) ArchiveSpreadEvents(context.Context, time.Time) (int64, error) {
	if f.done != nil {
		f.done <- struct{}{}
	}
	return 7, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiver_Run(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	blob := &fakeBlob{}
	audit := &fakeAudit{}
	a := NewArchiver(blob, audit, 90, discard()).WithClock(func() time.Time { return now })

	require.NoError(t, a.Run(context.Background()))

	require.Len(t, blob.cutoffs, 1)
	assert.Equal(t, now.Add(-90*24*time.Hour), blob.cutoffs[0])

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, "archive.run", entry.Event)
	assert.Equal(t, int64(3), entry.Detail["rounds"])
	assert.Equal(t, int64(7), entry.Detail["spread_events"])
}

func TestArchiver_RunStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	audit := &fakeAudit{}
	a := NewArchiver(&fakeBlob{roundsErr: boom}, audit, 30, discard())

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, audit.entries)
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&fakeBlob{}, nil, 30, discard())
	err := a.RunCron(context.Background(), "not a cron", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cron")
}

func TestArchiver_RunCronManualTrigger(t *testing.T) {
	blob := &fakeBlob{done: make(chan struct{}, 1)}
	a := NewArchiver(blob, nil, 30, discard())

	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- a.RunCron(ctx, DefaultCron, trigger) }()

	trigger <- struct{}{}
	select {
	case <-blob.done:
	case <-time.After(2 * time.Second):
		t.Fatal("manual trigger did not run the archiver")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCron did not stop")
	}
}
