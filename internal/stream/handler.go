// Package stream serves stored objects over HTTP with byte-range support so
// that browsers can seek in audio and video without downloading whole files.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/radif/media/internal/metrics"
	"github.com/radif/media/internal/response"
	"github.com/radif/media/internal/storage"
)

// DefaultChunkSize caps the bytes served by a single response.
const DefaultChunkSize = 4 << 20

// Source yields the backend to read from for one request.
type Source interface {
	Select(ctx context.Context) (storage.Backend, error)
}

// Handler is the range-serving proxy mounted at /media/*.
type Handler struct {
	source  Source
	chunk   int64
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewHandler creates a Handler. A chunk size <= 0 selects DefaultChunkSize;
// m may be nil.
func NewHandler(source Source, chunk int64, m *metrics.Metrics, log zerolog.Logger) *Handler {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Handler{source: source, chunk: chunk, metrics: m, log: log}
}

// Routes mounts GET and HEAD under the caller's /media prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/*", h.Serve)
	r.Head("/*", h.Serve)
}

// Serve godoc
//
// Without a Range header an object that fits in one chunk is sent whole with
// 200 and a larger one gets 206 with its first chunk.
//
//	@Summary		Stream a stored object
//	@Description	Serves at most one chunk per request. Without a Range header an object larger than the chunk cap is answered with 206 and its first chunk.
//	@Tags			media
//	@Produce		octet-stream
//	@Param			key		path		string	true	"object key, e.g. uploads/1700000000000-abcdefghij.mp4"
//	@Param			Range	header		string	false	"bytes=start-end, bytes=start- or bytes=-n"
//	@Success		200		{file}		binary
//	@Success		206		{file}		binary
//	@Failure		400		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Failure		416		{string}	string
//	@Failure		500		{object}	response.Envelope
//	@Router			/media/{key} [get]
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || hasDotDot(key) {
		response.BadRequest(w, "invalid media path")
		return
	}
	if key == "" {
		response.NotFound(w, "media not found")
		return
	}
	if !storage.ValidKey(key) {
		response.BadRequest(w, "invalid media path")
		return
	}

	ctx := r.Context()
	b, err := h.source.Select(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("stream: select backend")
		response.InternalError(w)
		return
	}
	defer b.Close() //nolint:errcheck

	info, err := b.Stat(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		response.NotFound(w, "media not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("backend", b.Name()).Str("key", key).Msg("stream: stat")
		response.InternalError(w)
		return
	}

	status, rng, err := h.window(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(info.Size, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	length := rng.Len()
	if info.Size == 0 {
		length = 0
	}

	hdr := w.Header()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Cache-Control", storage.CacheControl)
	hdr.Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		hdr.Set("Content-Range", "bytes "+strconv.FormatInt(rng.Start, 10)+"-"+strconv.FormatInt(rng.End, 10)+"/"+strconv.FormatInt(info.Size, 10))
	}

	if r.Method == http.MethodHead || length == 0 {
		w.WriteHeader(status)
		return
	}

	body, err := b.Open(ctx, key, &rng)
	if err != nil {
		hdr.Del("Content-Range")
		hdr.Del("Content-Length")
		hdr.Del("Cache-Control")
		if errors.Is(err, storage.ErrNotFound) {
			response.NotFound(w, "media not found")
			return
		}
		h.log.Error().Err(err).Str("backend", b.Name()).Str("key", key).Msg("stream: open")
		response.InternalError(w)
		return
	}
	defer body.Close()

	w.WriteHeader(status)
	n, err := io.CopyN(w, body, length)
	h.metrics.Served(n)
	if err != nil {
		// Headers are already sent; the client sees a short body.
		h.log.Debug().Err(err).Str("key", key).Int64("written", n).Int64("want", length).Msg("stream: copy interrupted")
	}
}

// window decides the status and byte window for a request. Without a Range
// header the whole object is served when it fits in one chunk, otherwise the
// first chunk is returned as a partial response.
func (h *Handler) window(header string, size int64) (int, storage.ByteRange, error) {
	if header == "" {
		if size <= h.chunk {
			return http.StatusOK, storage.ByteRange{Start: 0, End: size - 1}, nil
		}
		return http.StatusPartialContent, storage.ByteRange{Start: 0, End: h.chunk - 1}, nil
	}

	rng, err := ParseRange(header, size)
	if err != nil {
		return 0, storage.ByteRange{}, err
	}
	rng.End = min(rng.End, rng.Start+h.chunk-1)
	return http.StatusPartialContent, rng, nil
}

func hasDotDot(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
