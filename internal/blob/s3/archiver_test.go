package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

type putCall struct {
	path        string
	contentType string
	multipart   bool
	body        []byte
}

type fakeWriter struct {
	calls []putCall
	err   error
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, _ := io.ReadAll(data)
	w.calls = append(w.calls, putCall{path: path, contentType: contentType, body: b})
	return w.err
}

func (w *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	b, _ := io.ReadAll(data)
	w.calls = append(w.calls, putCall{path: path, multipart: true, body: b})
	return w.err
}

type fakeRounds struct{ rows []domain.RoundSummary }

func (f fakeRounds) ListClosedBefore(context.Context, time.Time) ([]domain.RoundSummary, error) {
	return f.rows, nil
}

type fakeSpreads struct {
	rows []domain.SpreadEvent
	err  error
}

func (f fakeSpreads) ListEventsBefore(context.Context, time.Time) ([]domain.SpreadEvent, error) {
	return f.rows, f.err
}

type fakeAudit struct{ events []string }

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveRounds_WritesJSONL(t *testing.T) {
	w := &fakeWriter{}
	audit := &fakeAudit{}
	rounds := fakeRounds{rows: []domain.RoundSummary{
		{Round: domain.Round{ID: 1}, Bets: 2, Bank: 100, Paid: 90, Winners: 1},
		{Round: domain.Round{ID: 2}, Bets: 0},
	}}
	a := NewArchiver(w, rounds, fakeSpreads{}, audit)

	before := time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchiveRounds(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, w.calls, 1)
	call := w.calls[0]
	assert.Equal(t, "archive/rounds/2026-02.jsonl", call.path)
	assert.Equal(t, "application/x-ndjson", call.contentType)
	assert.False(t, call.multipart)

	sc := bufio.NewScanner(bytes.NewReader(call.body))
	var lines int
	for sc.Scan() {
		var row domain.RoundSummary
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		lines++
		assert.Equal(t, int64(lines), row.Round.ID)
	}
	assert.Equal(t, 2, lines)
	assert.Equal(t, []string{"archive.rounds"}, audit.events)
}

func TestArchiveSpreadEvents_EmptyIsNoop(t *testing.T) {
	w := &fakeWriter{}
	audit := &fakeAudit{}
	a := NewArchiver(w, fakeRounds{}, fakeSpreads{}, audit)

	n, err := a.ArchiveSpreadEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.calls)
	assert.Empty(t, audit.events)
}

func TestArchiveSpreadEvents_Errors(t *testing.T) {
	boom := errors.New("boom")

	a := NewArchiver(&fakeWriter{}, fakeRounds{}, fakeSpreads{err: boom}, nil)
	_, err := a.ArchiveSpreadEvents(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)

	events := fakeSpreads{rows: []domain.SpreadEvent{{ID: 1, Kind: domain.SpreadEventOpen}}}
	a = NewArchiver(&fakeWriter{err: boom}, fakeRounds{}, events, nil)
	n, err := a.ArchiveSpreadEvents(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
