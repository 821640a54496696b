package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

// RecordingHandler lists and downloads recorded frame batches.
type RecordingHandler struct {
	blobs  domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewRecordingHandler creates a RecordingHandler. Keys outside prefix are not
// served.
func NewRecordingHandler(blobs domain.BlobReader, prefix string, logger *slog.Logger) *RecordingHandler {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "frames"
	}
	return &RecordingHandler{
		blobs:  blobs,
		prefix: prefix,
		logger: logHandler(logger, "recordings"),
	}
}

// List returns recorded objects under the recorder prefix. prefix narrows
// it further, e.g. prefix=2026/10/14.
// GET /api/recordings?prefix=
func (h *RecordingHandler) List(w http.ResponseWriter, r *http.Request) {
	sub := strings.Trim(r.URL.Query().Get("prefix"), "/")
	if strings.Contains(sub, "..") {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}
	prefix := h.prefix + "/"
	if sub != "" {
		prefix += sub
	}

	items, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list recordings failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to list recordings")
		return
	}
	if items == nil {
		items = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": items})
}

// Get streams one NDJSON batch.
// GET /api/recordings/{key...}
func (h *RecordingHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := path.Clean("/" + r.PathValue("key"))[1:]
	if key == "" || !strings.HasPrefix(key, h.prefix+"/") {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}

	body, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get recording failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch recording")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "stream recording aborted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
