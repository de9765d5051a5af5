package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/media/internal/storage"
)

type diskSource struct{ dir string }

func (s diskSource) Select(context.Context) (storage.Backend, error) {
	return storage.NewDiskStorage(s.dir)
}

// countingSource fails the test if the backend is ever selected.
type countingSource struct{ calls int }

func (s *countingSource) Select(context.Context) (storage.Backend, error) {
	s.calls++
	return nil, errors.New("unexpected backend call")
}

const testChunk = 1024

func fixture(t *testing.T, size int) (http.Handler, []byte) {
	t.Helper()
	dir := t.TempDir()
	disk, err := storage.NewDiskStorage(dir)
	require.NoError(t, err)

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = disk.Put(context.Background(), "uploads/clip.mp4", bytes.NewReader(data), int64(size), "video/mp4")
	require.NoError(t, err)

	return router(NewHandler(diskSource{dir: dir}, testChunk, nil, zerolog.Nop())), data
}

func router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/media", h.Routes)
	return r
}

func get(h http.Handler, method, path, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func assertCommonHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
}

func TestServe_SmallObjectWithoutRange(t *testing.T) {
	h, data := fixture(t, 500)

	rec := get(h, http.MethodGet, "/media/uploads/clip.mp4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assertCommonHeaders(t, rec)
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestServe_LargeObjectWithoutRangeReturnsFirstChunk(t *testing.T) {
	h, data := fixture(t, 5000)

	rec := get(h, http.MethodGet, "/media/uploads/clip.mp4", "")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assertCommonHeaders(t, rec)
	assert.Equal(t, "bytes 0-1023/5000", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[:testChunk], rec.Body.Bytes())
}

func TestServe_Ranges(t *testing.T) {
	h, data := fixture(t, 5000)
	tests := []struct {
		header       string
		start, end   int
		contentRange string
	}{
		{"bytes=0-", 0, 1023, "bytes 0-1023/5000"},
		{"bytes=100-199", 100, 199, "bytes 100-199/5000"},
		{"bytes=4000-", 4000, 4999, "bytes 4000-4999/5000"},
		{"bytes=4500-9999", 4500, 4999, "bytes 4500-4999/5000"},
		{"bytes=-10", 4990, 4999, "bytes 4990-4999/5000"},
		{"bytes=10-4000", 10, 1033, "bytes 10-1033/5000"},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			rec := get(h, http.MethodGet, "/media/uploads/clip.mp4", tt.header)
			require.Equal(t, http.StatusPartialContent, rec.Code)
			assertCommonHeaders(t, rec)
			assert.Equal(t, tt.contentRange, rec.Header().Get("Content-Range"))
			assert.Equal(t, data[tt.start:tt.end+1], rec.Body.Bytes())
		})
	}
}

func TestServe_Unsatisfiable(t *testing.T) {
	h, _ := fixture(t, 5000)
	for _, header := range []string{"bytes=5000-5000", "bytes=9000-", "bytes=20-10", "bytes=0-1,4-5", "pages=1-2"} {
		t.Run(header, func(t *testing.T) {
			rec := get(h, http.MethodGet, "/media/uploads/clip.mp4", header)
			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
			assert.Equal(t, "bytes */5000", rec.Header().Get("Content-Range"))
			assert.Zero(t, rec.Body.Len())
		})
	}
}

func TestServe_Head(t *testing.T) {
	h, _ := fixture(t, 5000)

	rec := get(h, http.MethodHead, "/media/uploads/clip.mp4", "bytes=0-99")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 0-99/5000", rec.Header().Get("Content-Range"))
	assert.Zero(t, rec.Body.Len())
}

func TestServe_NotFound(t *testing.T) {
	h, _ := fixture(t, 10)

	rec := get(h, http.MethodGet, "/media/uploads/missing.mp4", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(h, http.MethodGet, "/media/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_TraversalRejectedBeforeBackend(t *testing.T) {
	src := &countingSource{}
	h := router(NewHandler(src, testChunk, nil, zerolog.Nop()))

	for _, path := range []string{
		"/media/uploads/../secrets.txt",
		"/media/../etc/passwd",
		"/media/uploads/%2e%2e/secrets.txt",
	} {
		rec := get(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Zero(t, src.calls)
}

func TestNewHandler_DefaultChunk(t *testing.T) {
	h := NewHandler(&countingSource{}, 0, nil, zerolog.Nop())
	assert.Equal(t, int64(DefaultChunkSize), h.chunk)
}
