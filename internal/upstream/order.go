package upstream

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// NormalizeOrder validates an order ticket and fills in defaults. The returned
// error wraps domain.ErrInvalidOrder.
func NormalizeOrder(req domain.OrderRequest) (domain.OrderRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = domain.OrderSide(strings.ToLower(strings.TrimSpace(string(req.Side))))
	req.OrderType = domain.OrderType(strings.ToLower(strings.TrimSpace(string(req.OrderType))))
	req.Duration = strings.ToLower(strings.TrimSpace(req.Duration))

	if req.Symbol == "" {
		return req, fmt.Errorf("%w: symbol is required", domain.ErrInvalidOrder)
	}
	switch req.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return req, fmt.Errorf("%w: side must be buy or sell, got %q", domain.ErrInvalidOrder, req.Side)
	}
	if req.Quantity <= 0 {
		return req, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}

	if req.OrderType == "" {
		req.OrderType = domain.OrderTypeMarket
	}
	switch req.OrderType {
	case domain.OrderTypeMarket:
		req.LimitPrice = nil
		req.StopPrice = nil
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return req, fmt.Errorf("%w: limit order requires a positive limit_price", domain.ErrInvalidOrder)
		}
		req.StopPrice = nil
	case domain.OrderTypeStop:
		if req.StopPrice == nil || *req.StopPrice <= 0 {
			return req, fmt.Errorf("%w: stop order requires a positive stop_price", domain.ErrInvalidOrder)
		}
		req.LimitPrice = nil
	default:
		return req, fmt.Errorf("%w: unknown order_type %q", domain.ErrInvalidOrder, req.OrderType)
	}

	for name, p := range map[string]*float64{"bracket_stop": req.BracketStop, "bracket_target": req.BracketTarget} {
		if p != nil && *p <= 0 {
			return req, fmt.Errorf("%w: %s must be positive", domain.ErrInvalidOrder, name)
		}
	}

	if req.Duration == "" {
		req.Duration = "day"
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	return req, nil
}
