package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// SSETransport reads a Server-Sent Events endpoint. It is receive-only.
type SSETransport struct {
	url    string
	apiKey string
	client *http.Client
}

// NewSSETransport returns a transport for url. A nil client uses a default
// client without an overall timeout, since the response body is long-lived.
func NewSSETransport(url, apiKey string, client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{url: url, apiKey: apiKey, client: client}
}

func (t *SSETransport) Name() string { return "sse" }

// Dial issues the GET and waits for the response headers. ctx bounds the
// handshake; the body stays open until Close.
func (t *SSETransport) Dial(ctx context.Context) (Session, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(sessCtx, http.MethodGet, t.url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("stream/sse: new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.apiKey != "" {
		req.Header.Set("x-api-key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if !stop() {
		// The handshake deadline fired; the request context is already gone.
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stream/sse: dial: %w", ctx.Err())
		}
		return nil, fmt.Errorf("stream/sse: dial: %w", err)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream/sse: dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream/sse: dial: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseSession{body: resp.Body, scanner: sc, cancel: cancel}, nil
}

type sseSession struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// Read returns the data of the next event. Data lines of one event are joined
// with "\n"; comments and other fields are skipped.
func (s *sseSession) Read() ([]byte, error) {
	var data []byte
	have := false

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			if have {
				return data, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if found && len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		if string(field) != "data" {
			continue
		}
		if have {
			data = append(data, '\n')
		}
		data = append(data, value...)
		have = true
	}

	err := s.scanner.Err()
	if err == nil || s.isClosed() || errors.Is(err, context.Canceled) {
		// A trailing event without a blank line is discarded, as browsers do.
		return nil, io.EOF
	}
	return nil, fmt.Errorf("stream/sse: read: %w", err)
}

func (s *sseSession) Write([]byte) error {
	return fmt.Errorf("stream/sse: write: %w", domain.ErrSendUnsupported)
}

func (s *sseSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
