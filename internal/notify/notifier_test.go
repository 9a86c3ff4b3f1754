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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct {
	name string
	err  error
	sent []string
}

func (c *countingSender) Send(_ context.Context, title, _ string) error {
	c.sent = append(c.sent, title)
	return c.err
}

func (c *countingSender) Name() string { return c.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersAndDamps(t *testing.T) {
	ctx := context.Background()
	s := &countingSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"connection_error"}, time.Hour, quietLogger())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	require.NoError(t, n.Notify(ctx, "sync_ok", "ignored", ""))
	require.NoError(t, n.Notify(ctx, "connection_error", "conn 1 down", "x"))
	require.NoError(t, n.Notify(ctx, "connection_error", "conn 1 down", "x"))
	require.NoError(t, n.Notify(ctx, "connection_error", "conn 2 down", "x"))
	assert.Equal(t, []string{"conn 1 down", "conn 2 down"}, s.sent)

	now = now.Add(2 * time.Hour)
	require.NoError(t, n.Notify(ctx, "connection_error", "conn 1 down", "x"))
	assert.Len(t, s.sent, 3)
}

func TestNotifierContinuesPastFailures(t *testing.T) {
	bad := &countingSender{name: "bad", err: errors.New("boom")}
	good := &countingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, quietLogger())

	err := n.Notify(context.Background(), "any", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.sent, 1)

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
	assert.NoError(t, nilNotifier.Notify(context.Background(), "any", "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.Equal(t, "/botT0K3N/sendMessage", r.URL.Path) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("T0K3N", "-100123")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Broker connection in error", "401 from tradovate"))
	assert.Equal(t, "-100123", got["chat_id"])
	assert.Equal(t, "Broker connection in error\n401 from tradovate", got["text"])
}

func TestTelegramSenderHidesToken(t *testing.T) {
	s := NewTelegramSender("T0K3N", "1")
	s.baseURL = "http://127.0.0.1:1"
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "T0K3N")
}

func TestDiscordSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	long := strings.Repeat("é", 3000)
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Title", long))
	content, _ := got["content"].(string)
	assert.True(t, strings.HasPrefix(content, "**Title**\n"))
	assert.Len(t, []rune(content), discordMaxChars)

	srvErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srvErr.Close()
	err := NewDiscordSender(srvErr.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}
