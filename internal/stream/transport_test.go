package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradedesk/internal/backoff"
	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSTransport_ReadWrite(t *testing.T) {
	gotKey := make(chan string, 1)
	received := make(chan string, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		gotKey <- r.Header.Get("x-api-key")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price","symbol":"SPY","last":446.5}`))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})
	defer server.Close()

	tr := NewWSTransport(wsURL(server), "secret")
	assert.Equal(t, "ws", tr.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := tr.Dial(ctx)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "secret", <-gotKey)

	data, err := sess.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"price","symbol":"SPY","last":446.5}`, string(data))

	require.NoError(t, sess.Write([]byte(`{"action":"unsubscribe_all"}`)))
	assert.Equal(t, `{"action":"unsubscribe_all"}`, <-received)

	_, err = sess.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWSTransport_CloseUnblocksRead(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	sess, err := NewWSTransport(wsURL(server), "").Dial(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := sess.Read()
		errc <- err
	}()

	require.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.ErrorIs(t, sess.Write([]byte("x")), domain.ErrAlreadyClosed)
}

func TestWSTransport_DialRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewWSTransport(wsURL(server), "").Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestSSETransport_ParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" || r.Header.Get("x-api-key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: update\ndata: {\"type\":\"price\",\ndata: \"symbol\":\"SPY\",\"last\":446.5}\n\n")
		fmt.Fprint(w, "retry: 1000\nid: 7\ndata:{\"type\":\"risk\",\"data\":{}}\n\n")
		fmt.Fprint(w, "data: trailing without terminator")
		flusher.Flush()
	}))
	defer server.Close()

	tr := NewSSETransport(server.URL, "k", nil)
	assert.Equal(t, "sse", tr.Name())

	sess, err := tr.Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	data, err := sess.Read()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"price\",\n\"symbol\":\"SPY\",\"last\":446.5}", string(data))
	assert.Equal(t, domain.PriceMessage{Symbol: "SPY", Last: 446.5}, Decode(data))

	data, err = sess.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"risk","data":{}}`, string(data))

	_, err = sess.Read()
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, sess.Write([]byte("{}")), domain.ErrSendUnsupported)
}

func TestSSETransport_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewSSETransport(server.URL, "", nil).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSSETransport_DialContextBoundsHandshakeOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := NewSSETransport(server.URL, "", nil).Dial(ctx)
	require.NoError(t, err)
	cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := sess.Read()
		errc <- err
	}()

	select {
	case err := <-errc:
		t.Fatalf("Read returned after dial context was cancelled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sess.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestConn_EndToEndOverWebSocket(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price","symbol":"SPY","last":446.50}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	msgs := make(chan domain.Message, 1)
	c := NewConn(NewWSTransport(wsURL(server), ""), Handlers{
		OnMessage: func(m domain.Message) { msgs <- m },
	}, Options{Policy: backoff.New(time.Second, 10*time.Second, 5), Logger: quietLogger()})

	c.Connect()
	defer c.Disconnect()

	select {
	case m := <-msgs:
		price, ok := m.(domain.PriceMessage)
		require.True(t, ok, "got %T", m)
		assert.Equal(t, "SPY", price.Symbol)
		assert.InDelta(t, 446.50, price.Last, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Equal(t, "connected", c.Status().Badge)
}

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		name         string
		ws, api, key string
		want         string
	}{
		{"explicit ws base", "wss://stream.example.com/live", "https://api.example.com", "", "wss://stream.example.com/live"},
		{"derived from https", "", "https://api.example.com/v1", "", "wss://api.example.com/ws"},
		{"derived from http with port", "", "http://localhost:8000", "", "ws://localhost:8000/ws"},
		{"api key appended", "", "http://localhost:8000", "a b", "ws://localhost:8000/ws?api_key=a+b"},
		{"api key joins existing query", "ws://h/ws?x=1", "", "k", "ws://h/ws?api_key=k&x=1"},
		{"fallback", "", "", "", DefaultWSURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildWSURL(tt.ws, tt.api, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := BuildWSURL("", "not-a-url", "")
	assert.Error(t, err)
}

func TestBuildSSEURL(t *testing.T) {
	got, err := BuildSSEURL("http://localhost:8000/", "/api/v1/stream/events")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/v1/stream/events", got)
}
