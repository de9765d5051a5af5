package upload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/media/internal/config"
	"github.com/radif/media/internal/middleware"
	"github.com/radif/media/internal/presign"
	"github.com/radif/media/internal/record"
	"github.com/radif/media/internal/signing"
	"github.com/radif/media/internal/storage"
	"github.com/radif/media/internal/stream"
	"github.com/radif/media/internal/upload"
)

// pattern yields byte(i % 251) at offset i.
type pattern struct{ off int64 }

func (p *pattern) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = byte((p.off + int64(i)) % 251)
	}
	p.off += int64(len(b))
	return len(b), nil
}

// diskGrantor hands out URLs of a test server that accepts one PUT per key and
// writes it to the local backend, enforcing the granted type and size.
type diskGrantor struct {
	disk *storage.DiskStorage
	srv  *httptest.Server

	mu     sync.Mutex
	grants map[string]grant
}

type grant struct {
	contentType string
	size        int64
}

func newDiskGrantor(t *testing.T, disk *storage.DiskStorage) *diskGrantor {
	g := &diskGrantor{disk: disk, grants: map[string]grant{}}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[1:]
		g.mu.Lock()
		want, ok := g.grants[key]
		delete(g.grants, key)
		g.mu.Unlock()
		if r.Method != http.MethodPut || !ok || r.ContentLength != want.size || r.Header.Get("Content-Type") != want.contentType {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if _, err := disk.Put(r.Context(), key, r.Body, r.ContentLength, want.contentType); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *diskGrantor) PresignPut(_ context.Context, key, contentType string, size int64, _ time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[key] = grant{contentType: contentType, size: size}
	return g.srv.URL + "/" + key, nil
}

func (g *diskGrantor) PublicURL(key string) string { return storage.ProxyPath + key }

type memRecords struct {
	mu    sync.Mutex
	byKey map[string]record.Status
}

func (m *memRecords) Create(_ context.Context, key, _, _ string, _ int64, status record.Status) (*record.Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key] = status
	return &record.Media{Key: key, Status: status}, nil
}

func (m *memRecords) Verify(_ context.Context, key, _, _ string, size int64) (*record.Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key] = record.StatusVerified
	return &record.Media{Key: key, Size: size, Status: record.StatusVerified}, nil
}

func (m *memRecords) DeleteByKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, key)
	return nil
}

func TestDeferredUploadThenRangeRead(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		size     int64
	}{
		{"declared mp4", "video/mp4", 52428800},
		{"no declared type", "", 3 << 20},
		{"generic declared type", "application/octet-stream", 3 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runDeferredFlow(t, tt.declared, tt.size)
		})
	}
}

func runDeferredFlow(t *testing.T, declared string, fileSize int64) {
	const secret = "flow-secret"
	log := zerolog.Nop()
	dir := t.TempDir()

	sel, err := storage.NewSelector(config.StorageConfig{LocalDir: dir}, log)
	require.NoError(t, err)
	disk, err := storage.NewDiskStorage(dir)
	require.NoError(t, err)

	// Presign service.
	helperRouter := chi.NewRouter()
	presign.NewHandler(signing.NewVerifier([]byte(secret)), newDiskGrantor(t, disk), nil, log).Routes(helperRouter)
	helper := httptest.NewServer(helperRouter)
	defer helper.Close()

	// Application server.
	records := &memRecords{byKey: map[string]record.Status{}}
	svc := upload.NewService(sel, records, upload.NewPresignClient(helper.URL, []byte(secret)), nil, log)
	app := chi.NewRouter()
	app.Route("/upload", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := middleware.WithIdentity(r.Context(), middleware.Identity{UserID: "u1", Role: "editor"})
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		})
		upload.NewHandler(svc, log).Routes(r)
	})
	app.Route("/media", stream.NewHandler(sel, 0, nil, log).Routes)
	server := httptest.NewServer(app)
	defer server.Close()

	// 1. Presign.
	body, _ := json.Marshal(map[string]any{"fileName": "clip.mp4", "fileType": declared, "fileSize": fileSize})
	resp, err := http.Post(server.URL+"/upload/presign", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var g upload.Grant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 300, g.ExpiresIn)
	assert.Equal(t, "video/mp4", g.ContentType)
	assert.Regexp(t, `^uploads/u1/\d+-[a-z2-7]{10}-clip\.mp4$`, g.Key)
	assert.Equal(t, record.StatusPending, records.byKey[g.Key])

	// 2. Direct PUT to the store with the type the grant was signed for.
	put, err := http.NewRequest(http.MethodPut, g.PresignedURL, io.LimitReader(&pattern{}, fileSize))
	require.NoError(t, err)
	put.ContentLength = fileSize
	put.Header.Set("Content-Type", g.ContentType)
	resp, err = http.DefaultClient.Do(put)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 3. Verify.
	body, _ = json.Marshal(map[string]string{"key": g.Key})
	resp, err = http.Post(server.URL+"/upload/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var v upload.Verified
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fileSize, v.Size)
	assert.Equal(t, record.StatusVerified, records.byKey[g.Key])

	// 4. Ranged read through the proxy.
	get, err := http.NewRequest(http.MethodGet, server.URL+v.URL, nil)
	require.NoError(t, err)
	get.Header.Set("Range", "bytes=1000000-2000000")
	resp, err = http.DefaultClient.Do(get)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes 1000000-2000000/%d", fileSize), resp.Header.Get("Content-Range"))
	assert.Equal(t, "1000001", resp.Header.Get("Content-Length"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, got, 1000001)
	assert.Equal(t, byte(1000000%251), got[0])
	assert.Equal(t, byte(2000000%251), got[len(got)-1])
}
