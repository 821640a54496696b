// Package recorder archives raw stream frames to object storage as
// newline-delimited JSON batches.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

const (
	contentType  = "application/x-ndjson"
	flushTimeout = 30 * time.Second
)

// Config controls batching.
type Config struct {
	FlushInterval time.Duration
	// MaxBatch triggers an early flush once this many frames are buffered.
	MaxBatch int
	Prefix   string
}

// line is one NDJSON record. Frame holds the backend's JSON verbatim; frames
// that are not valid JSON are stored as a string in Text.
type line struct {
	ReceivedAt time.Time       `json:"received_at"`
	Frame      json.RawMessage `json:"frame,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// Recorder buffers frames and uploads them in batches.
type Recorder struct {
	writer domain.BlobWriter
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	buf   []line
	kick  chan struct{}
	total int
}

// New returns a recorder uploading through writer.
func New(writer domain.BlobWriter, cfg Config, logger *slog.Logger) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "frames"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		writer: writer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "recorder")),
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
}

// Record buffers one frame. It never blocks on storage.
func (r *Recorder) Record(frame []byte) {
	l := line{ReceivedAt: r.now().UTC()}
	if json.Valid(frame) {
		l.Frame = bytes.Clone(frame)
	} else {
		l.Text = string(frame)
	}

	r.mu.Lock()
	r.buf = append(r.buf, l)
	full := len(r.buf) >= r.cfg.MaxBatch
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered frames.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Run flushes on every interval and whenever a batch fills up. On shutdown
// it makes a last flush before returning ctx.Err().
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "recorder started",
		slog.Duration("flush_interval", r.cfg.FlushInterval),
		slog.Int("max_batch", r.cfg.MaxBatch),
	)

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := r.Flush(fctx); err != nil {
				r.logger.Error("final flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Flush(ctx); err != nil {
			r.logger.WarnContext(ctx, "flush failed", slog.String("error", err.Error()))
		}
	}
}

// Flush uploads everything buffered as one object. A failed batch is dropped.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, l := range batch {
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("recorder: encode: %w", err)
		}
	}

	key := r.Key(batch[0].ReceivedAt)
	if err := r.writer.Put(ctx, key, &body, contentType); err != nil {
		r.logger.WarnContext(ctx, "dropping batch", slog.Int("frames", len(batch)))
		return fmt.Errorf("recorder: upload %s: %w", key, err)
	}

	r.mu.Lock()
	r.total += len(batch)
	total := r.total
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "batch uploaded",
		slog.String("key", key),
		slog.Int("frames", len(batch)),
		slog.Int("total", total),
	)
	return nil
}

// Key names the object for a batch whose first frame arrived at t:
// {prefix}/YYYY/MM/DD/HHMMSS-{uuid}.ndjson.
func (r *Recorder) Key(t time.Time) string {
	t = t.UTC()
	return path.Join(r.cfg.Prefix, t.Format("2006/01/02"), t.Format("150405")+"-"+uuid.NewString()+".ndjson")
}
