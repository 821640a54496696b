// Package ws fans the live stream out to dashboard WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradedesk/internal/domain"
	"github.com/alanyoungcy/tradedesk/internal/livestore"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Envelope types the hub adds on top of the backend's own.
const (
	TypeState      = "state"
	TypeConnection = "connection"
	TypeToast      = "toast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The middleware chain enforces CORS and auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config wires the hub's sources. Bus and Channel are optional; without them
// envelopes arrive only through Broadcast.
type Config struct {
	Store   *livestore.Store
	Bus     domain.SignalBus
	Channel string
}

type envelope struct {
	kind string
	data []byte
	to   *client // nil means every client
}

// Hub manages the connected clients.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub. Call Run before serving HandleWS.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It follows the bus and the store's connection
// status until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.cfg.Bus != nil && h.cfg.Channel != "" {
		msgs, err := h.cfg.Bus.Subscribe(ctx, h.cfg.Channel)
		if err != nil {
			h.logger.ErrorContext(ctx, "bus subscribe failed",
				slog.String("channel", h.cfg.Channel),
				slog.String("error", err.Error()),
			)
		} else {
			go h.follow(ctx, msgs)
		}
	}
	if h.cfg.Store != nil {
		unwatch := h.cfg.Store.WatchStatus(func(st domain.ConnectionStatus) {
			h.send(TypeConnection, map[string]any{"type": TypeConnection, "payload": st})
		})
		defer unwatch()
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(0)
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			h.logger.Info("client connected",
				slog.String("client", c.id),
				slog.Int("total_clients", len(h.clients)),
			)

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(len(h.clients))
			h.logger.Info("client disconnected",
				slog.String("client", c.id),
				slog.Int("total_clients", len(h.clients)),
			)

		case env := <-h.broadcast:
			if env.to != nil {
				if h.clients[env.to] {
					h.deliver(env.to, env.data)
				}
				continue
			}
			for c := range h.clients {
				if c.wants(env.kind) {
					h.deliver(c, env.data)
				}
			}
		}
	}
}

func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping message for slow client", slog.String("client", c.id))
	}
}

func (h *Hub) follow(ctx context.Context, msgs <-chan []byte) {
	h.logger.InfoContext(ctx, "following bus", slog.String("channel", h.cfg.Channel))
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", h.cfg.Channel))
				return
			}
			h.Broadcast(data)
		}
	}
}

// Broadcast queues one backend-shaped envelope for every interested client.
func (h *Hub) Broadcast(frame []byte) {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(frame, &head)
	h.enqueue(envelope{kind: head.Type, data: frame})
}

// Toast sends an alert as a {type:"toast"} envelope.
func (h *Hub) Toast(a domain.Alert) {
	h.send(TypeToast, map[string]any{"type": TypeToast, "msg": a.Msg, "level": a.Level})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) send(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("encode envelope failed", slog.String("type", kind), slog.String("error", err.Error()))
		return
	}
	h.enqueue(envelope{kind: kind, data: data})
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.broadcast <- env:
	case <-h.done:
	default:
		h.logger.Warn("broadcast queue full, dropping", slog.String("type", env.kind))
	}
}

func (h *Hub) enqueueTo(c *client, data []byte) {
	h.enqueue(envelope{kind: TypeState, data: data, to: c})
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

func (h *Hub) stateEnvelope() []byte {
	st := livestore.Defaults()
	if h.cfg.Store != nil {
		st = h.cfg.Store.GetState()
	}
	data, err := json.Marshal(map[string]any{"type": TypeState, "payload": st})
	if err != nil {
		h.logger.Warn("encode state failed", slog.String("error", err.Error()))
		return nil
	}
	return data
}

// HandleWS upgrades the request and registers the client, which first
// receives a full state snapshot.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	if snap := h.stateEnvelope(); snap != nil {
		c.send <- snap
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
