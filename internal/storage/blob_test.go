package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	gcs "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// brokenReader yields some bytes and then fails, like a client that drops
// mid-upload.
type brokenReader struct{ sent bool }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("connection reset by peer")
	}
	r.sent = true
	return copy(p, "partial media bytes"), nil
}

func TestBlobStorage_PutAbortsOnReadError(t *testing.T) {
	var completed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			return
		}
		completed.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bucket":"media","name":"uploads/1-abc.mp4","size":"19"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := gcs.NewClient(ctx, option.WithEndpoint(srv.URL+"/storage/v1/"), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	s := &BlobStorage{client: client, bucket: "media", publicBase: "https://cdn.example.com"}

	_, err = s.Put(ctx, "uploads/1-abc.mp4", &brokenReader{}, 1024, "video/mp4")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection reset"), err.Error())
	assert.Zero(t, completed.Load(), "a failed write must not commit an object")
}
