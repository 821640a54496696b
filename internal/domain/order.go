package domain

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderRequest is the normalised order body forwarded to the broker endpoint.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	OrderType     OrderType `json:"order_type"`
	LimitPrice    *float64  `json:"limit_price,omitempty"`
	StopPrice     *float64  `json:"stop_price,omitempty"`
	BracketStop   *float64  `json:"bracket_stop,omitempty"`
	BracketTarget *float64  `json:"bracket_target,omitempty"`
	Duration      string    `json:"duration,omitempty"`
	Preview       bool      `json:"preview"`
}

// OrderResult is the backend's answer to an order submission.
type OrderResult struct {
	OK      bool   `json:"ok"`
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}
