package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	sent []string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.sent = append(s.sent, title+"|"+message)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventAnomaly, " spread_open "}, discard())

	require.NoError(t, n.Notify(context.Background(), EventRoundSettled, "settled", nil))
	require.NoError(t, n.Notify(context.Background(), EventSpreadOpen, "spread", map[string]any{"bps": 42, "track": 7}))
	require.NoError(t, n.NotifyAll(context.Background(), "boot", "hello"))

	assert.Equal(t, []string{"spread|bps: 42\ntrack: 7", "boot|hello"}, rec.sent)
	assert.True(t, n.Enabled(EventAnomaly))
	assert.False(t, n.Enabled(EventRoundSettled))
}

func TestNotifier_NilAndEmpty(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled(EventAnomaly))
	assert.NoError(t, n.Notify(context.Background(), EventAnomaly, "x", nil))
	assert.NoError(t, n.NotifyAll(context.Background(), "x", "y"))

	rec := &recordingSender{name: "rec"}
	all := NewNotifier([]Sender{rec}, nil, discard())
	assert.True(t, all.Enabled("anything"))
}

func TestNotifier_ContinuesAfterSenderError(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.sent, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIBase(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Round <7>", "a & b"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "<b>Round &lt;7&gt;</b>\na &amp; b", got["text"])
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "anomaly", strings.Repeat("x", 5000)))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "anomaly", got.Embeds[0].Title)
	assert.Len(t, []rune(got.Embeds[0].Description), discordDescMax)
}

func TestDiscordSender_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad embed"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad embed")
}
