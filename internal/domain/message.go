package domain

import (
	"encoding/json"
	"time"
)

// Message kinds carried in the "type" field of a stream envelope.
const (
	KindPositions  = "positions"
	KindOrders     = "orders"
	KindRisk       = "risk"
	KindAlert      = "alert"
	KindPrice      = "price"
	KindMarketData = "market_data"
)

// Record is a loosely typed backend object (a position, an order, a risk
// state). The backend owns its shape; this service only relays it.
type Record = map[string]any

// Message is one decoded stream envelope. Each concrete type corresponds to
// one value of the "type" discriminator; UnknownMessage carries everything else.
type Message interface {
	Kind() string
}

// PositionsMessage replaces the full list of open positions.
type PositionsMessage struct {
	Items []Record
}

// OrdersMessage replaces the full list of working orders.
type OrdersMessage struct {
	Items []Record
}

// RiskMessage replaces the current risk state.
type RiskMessage struct {
	State Record
}

// AlertMessage is a user-facing alert.
type AlertMessage struct {
	Msg   string
	Level string
}

// PriceMessage updates the last traded price of one symbol.
type PriceMessage struct {
	Symbol string
	Last   float64
}

// MarketDataMessage carries a full quote for one symbol.
type MarketDataMessage struct {
	Payload Quote
}

// UnknownMessage is any envelope whose type is not recognised, or whose body
// does not fit the recognised type. Raw holds the complete frame.
type UnknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (PositionsMessage) Kind() string  { return KindPositions }
func (OrdersMessage) Kind() string     { return KindOrders }
func (RiskMessage) Kind() string       { return KindRisk }
func (AlertMessage) Kind() string      { return KindAlert }
func (PriceMessage) Kind() string      { return KindPrice }
func (MarketDataMessage) Kind() string { return KindMarketData }
func (m UnknownMessage) Kind() string  { return m.Type }

// Quote is a per-symbol market data snapshot.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volume        float64   `json:"volume"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	Realtime      bool      `json:"realtime"`
	ReceivedAt    time.Time `json:"timestamp"`
}

// Alert is one alert retained in the store.
type Alert struct {
	Level      string    `json:"level"`
	Msg        string    `json:"msg"`
	ReceivedAt time.Time `json:"received_at"`
}

// Control actions a client may send to the backend over the stream.
const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
)

// ControlMessage is an outgoing client-to-server command.
type ControlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
}

// Event is an unrecognised frame kept for diagnostics.
type Event struct {
	Type       string          `json:"type"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}
