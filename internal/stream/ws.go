package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// WSTransport dials a WebSocket endpoint.
type WSTransport struct {
	url    string
	header http.Header
	dialer websocket.Dialer
}

// NewWSTransport returns a transport for url. When apiKey is non-empty it is
// sent as the x-api-key handshake header.
func NewWSTransport(url, apiKey string) *WSTransport {
	h := http.Header{}
	if apiKey != "" {
		h.Set("x-api-key", apiKey)
	}
	return &WSTransport{
		url:    url,
		header: h,
		dialer: websocket.Dialer{
			HandshakeTimeout: defaultDialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (t *WSTransport) Name() string { return "ws" }

// Dial performs the handshake and starts the keep-alive loop.
func (t *WSTransport) Dial(ctx context.Context) (Session, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream/ws: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream/ws: dial: %w", err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s := &wsSession{conn: conn, done: make(chan struct{})}
	go s.pingLoop()
	return s, nil
}

type wsSession struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *wsSession) Read() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			select {
			case <-s.done:
				return nil, io.EOF
			default:
			}
			return nil, fmt.Errorf("stream/ws: read: %w", err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSession) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("stream/ws: write: %w", domain.ErrAlreadyClosed)
	default:
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("stream/ws: write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears down the socket. Safe to call more
// than once.
func (s *wsSession) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
