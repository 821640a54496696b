package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionState       = "state"
)

// clientMsg is what a dashboard may send. Subscribing narrows delivery to the
// listed envelope types; a client with no subscriptions gets everything.
type clientMsg struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	types map[string]bool
}

// wants reports whether the client receives envelopes of kind. State and
// connection envelopes always go through.
func (c *client) wants(kind string) bool {
	if kind == TypeState || kind == TypeConnection {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[kind]
}

func (c *client) handle(msg clientMsg) {
	switch msg.Action {
	case actionSubscribe, actionUnsubscribe:
		c.mu.Lock()
		if c.types == nil {
			c.types = make(map[string]bool)
		}
		for _, t := range msg.Types {
			if msg.Action == actionSubscribe {
				c.types[t] = true
			} else {
				delete(c.types, t)
			}
		}
		c.mu.Unlock()
	case actionState:
		if snap := c.hub.stateEnvelope(); snap != nil {
			c.hub.enqueueTo(c, snap)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("client", c.id), slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err == nil && msg.Action != "" {
			c.handle(msg)
		}
	}
}

// writePump sends queued envelopes as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
