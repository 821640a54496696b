package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	s.sent = append(s.sent, title+": "+message)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"alert", " connection_lost "}, quiet())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "alert", "Alert", "margin call"))
	require.NoError(t, n.Notify(ctx, "connection_lost", "Stream", "down"))
	require.NoError(t, n.Notify(ctx, "retries_exhausted", "Stream", "gave up"))
	assert.Equal(t, []string{"Alert: margin call", "Stream: down"}, s.sent)
	assert.True(t, n.Enabled())
}

func TestNotifier_EmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, nil)
	require.NoError(t, n.Notify(context.Background(), "anything", "T", "M"))
	assert.Len(t, s.sent, 1)

	assert.False(t, NewNotifier(nil, nil, nil).Enabled())
}

func TestNotifier_CollectsFailures(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.Notify(context.Background(), "alert", "T", "M")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.sent, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	s := NewTelegramSenderWithBase(server.URL+"/", "TOKEN", "42", server.Client())
	require.NoError(t, s.Send(context.Background(), "Alert", "margin call"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Alert*\nmargin call", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s := NewDiscordSender(server.URL)
	require.NoError(t, s.Send(context.Background(), "Stream", "lost"))
	assert.Equal(t, "**Stream**\nlost", got["content"])
}

func TestSender_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusUnauthorized)
	}))
	defer server.Close()

	err := NewDiscordSender(server.URL).Send(context.Background(), "T", "M")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid webhook")
}
