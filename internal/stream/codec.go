package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// envelope is the outer shape shared by every stream frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type itemsBody struct {
	Items []domain.Record `json:"items"`
}

type riskBody struct {
	State domain.Record `json:"state"`
}

type alertBody struct {
	Msg   string `json:"msg"`
	Level string `json:"level"`
}

type priceBody struct {
	Symbol string   `json:"symbol"`
	Last   *float64 `json:"last"`
}

// quoteWire is the quote shape on the wire. Timestamps are stamped locally
// on receipt, so any upstream timestamp field is ignored.
type quoteWire struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Volume        float64 `json:"volume"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	Realtime      *bool   `json:"realtime"`
}

func (q quoteWire) toDomain(realtime bool) domain.Quote {
	if q.Realtime != nil {
		realtime = *q.Realtime
	}
	return domain.Quote{
		Symbol:        q.Symbol,
		Price:         q.Price,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		High:          q.High,
		Low:           q.Low,
		Open:          q.Open,
		Realtime:      realtime,
	}
}

// DecodeQuote parses a quote object such as a symbol snapshot body. realtime
// is used when the body does not say.
func DecodeQuote(raw []byte, realtime bool) (domain.Quote, error) {
	var q quoteWire
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.Quote{}, fmt.Errorf("stream: decode quote: %w", err)
	}
	return q.toDomain(realtime), nil
}

type marketDataBody struct {
	Payload *quoteWire `json:"payload"`
}

// legacyWrapperType is the type used by older clients that wrapped the real
// envelope as {"type":"message","data":{...}}.
const legacyWrapperType = "message"

// Decode parses one text frame into a typed message. It returns nil when the
// frame is not a JSON object. Frames with an unrecognised type, or a
// recognised type whose body does not fit, come back as UnknownMessage.
func Decode(raw []byte) domain.Message {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	if env.Type == legacyWrapperType && len(env.Data) > 0 && env.Data[0] == '{' {
		if inner := Decode(env.Data); inner != nil {
			return inner
		}
	}

	msg, err := decodeBody(env.Type, raw)
	if err != nil {
		return domain.UnknownMessage{Type: env.Type, Raw: json.RawMessage(raw)}
	}
	return msg
}

func decodeBody(kind string, raw []byte) (domain.Message, error) {
	switch kind {
	case domain.KindPositions:
		var b itemsBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return domain.PositionsMessage{Items: nonNil(b.Items)}, nil

	case domain.KindOrders:
		var b itemsBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return domain.OrdersMessage{Items: nonNil(b.Items)}, nil

	case domain.KindRisk:
		var b riskBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return domain.RiskMessage{State: b.State}, nil

	case domain.KindAlert:
		var b alertBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b.Level == "" {
			b.Level = "info"
		}
		return domain.AlertMessage{Msg: b.Msg, Level: b.Level}, nil

	case domain.KindPrice:
		var b priceBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b.Symbol == "" || b.Last == nil {
			return nil, fmt.Errorf("price frame missing symbol or last")
		}
		return domain.PriceMessage{Symbol: b.Symbol, Last: *b.Last}, nil

	case domain.KindMarketData:
		var b marketDataBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b.Payload == nil || b.Payload.Symbol == "" {
			return nil, fmt.Errorf("market_data frame missing payload symbol")
		}
		return domain.MarketDataMessage{Payload: b.Payload.toDomain(true)}, nil
	}

	return nil, fmt.Errorf("unknown type %q", kind)
}

func nonNil(items []domain.Record) []domain.Record {
	if items == nil {
		return []domain.Record{}
	}
	return items
}

// EncodeControl serialises an outgoing control message.
func EncodeControl(msg domain.ControlMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("stream: encode control: %w", err)
	}
	return data, nil
}

// Encode renders a message back into the backend wire shape. The hub uses it
// to fan store changes out to dashboard clients.
func Encode(msg domain.Message) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case domain.PositionsMessage:
		v = map[string]any{"type": domain.KindPositions, "items": nonNil(m.Items)}
	case domain.OrdersMessage:
		v = map[string]any{"type": domain.KindOrders, "items": nonNil(m.Items)}
	case domain.RiskMessage:
		v = map[string]any{"type": domain.KindRisk, "state": m.State}
	case domain.AlertMessage:
		v = map[string]any{"type": domain.KindAlert, "msg": m.Msg, "level": m.Level}
	case domain.PriceMessage:
		v = map[string]any{"type": domain.KindPrice, "symbol": m.Symbol, "last": m.Last}
	case domain.MarketDataMessage:
		v = map[string]any{"type": domain.KindMarketData, "payload": m.Payload}
	case domain.UnknownMessage:
		return m.Raw, nil
	default:
		return nil, fmt.Errorf("stream: encode: unsupported message %T", msg)
	}
	return json.Marshal(v)
}
