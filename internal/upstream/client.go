// Package upstream is the HTTP client for the remote trading backend.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// Backend paths.
const (
	PathHealth         = "/health"
	PathStreamState    = "/api/v1/stream/state"
	PathStreamStart    = "/market/stream/start"
	PathStreamStop     = "/market/stream/stop"
	PathStreamSnapshot = "/market/stream/snapshot"
	PathOrders         = "/broker/tradier/orders"
	PathOrder          = "/broker/tradier/order"
)

// maxErrorBody bounds how much of a failed response is kept in a StatusError.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.Code, e.Body)
}

// Unwrap maps the status onto the domain sentinels so callers can use
// errors.Is.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusUnprocessableEntity:
		return domain.ErrInvalidOrder
	default:
		return domain.ErrUpstream
	}
}

// StreamState is the snapshot used to prime the store before the stream
// connects.
type StreamState struct {
	Positions []domain.Record    `json:"positions"`
	Orders    []domain.Record    `json:"orders"`
	Risk      domain.Record      `json:"risk"`
	Prices    map[string]float64 `json:"prices"`
}

// Client talks to the trading backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a backend client.
//
// baseURL is the backend root, e.g. "https://api.example.com". apiKey, when
// non-empty, is sent as x-api-key on every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the backend's health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, PathHealth, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: health: %w", err)
	}
	return body, nil
}

// StreamState fetches the boot snapshot.
func (c *Client) StreamState(ctx context.Context) (StreamState, error) {
	body, err := c.do(ctx, http.MethodGet, PathStreamState, nil)
	if err != nil {
		return StreamState{}, fmt.Errorf("upstream: stream state: %w", err)
	}

	var st StreamState
	if err := json.Unmarshal(body, &st); err != nil {
		return StreamState{}, fmt.Errorf("upstream: decode stream state: %w", err)
	}
	return st, nil
}

// SymbolSnapshot fetches the current quote for one symbol.
func (c *Client) SymbolSnapshot(ctx context.Context, symbol string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, PathStreamSnapshot+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: snapshot %s: %w", symbol, err)
	}
	return body, nil
}

// StartStream asks the backend to stream quotes for symbols.
func (c *Client) StartStream(ctx context.Context, symbols []string) (json.RawMessage, error) {
	if symbols == nil {
		symbols = []string{}
	}
	body, err := c.do(ctx, http.MethodPost, PathStreamStart, map[string]any{"symbols": symbols})
	if err != nil {
		return nil, fmt.Errorf("upstream: start stream: %w", err)
	}
	return body, nil
}

// StopStream asks the backend to stop streaming quotes.
func (c *Client) StopStream(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodPost, PathStreamStop, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: stop stream: %w", err)
	}
	return body, nil
}

// Orders returns the broker order history.
func (c *Client) Orders(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, PathOrders, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: orders: %w", err)
	}
	return body, nil
}

// SubmitOrder normalises req and posts it to the broker endpoint. The
// normalised request is returned alongside the backend's answer.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderRequest, json.RawMessage, error) {
	norm, err := NormalizeOrder(req)
	if err != nil {
		return req, nil, fmt.Errorf("upstream: submit order: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, PathOrder, norm)
	if err != nil {
		return norm, nil, fmt.Errorf("upstream: submit order: %w", err)
	}
	return norm, body, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
