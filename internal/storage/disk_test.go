package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDisk(t *testing.T) *DiskStorage {
	t.Helper()
	d, err := NewDiskStorage(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestDiskStorage_PutStatOpen(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	body := []byte("0123456789")

	url, err := d.Put(ctx, "uploads/1-abc.mp3", bytes.NewReader(body), int64(len(body)), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "/media/uploads/1-abc.mp3", url)

	info, err := d.Stat(ctx, "uploads/1-abc.mp3")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, "audio/mpeg", info.ContentType)

	rc, err := d.Open(ctx, "uploads/1-abc.mp3", &ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "2345", string(got))
}

func TestDiskStorage_NotFound(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)

	_, err := d.Stat(ctx, "uploads/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Open(ctx, "uploads/missing.png", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, d.Delete(ctx, "uploads/missing.png"), ErrNotFound)
}

func TestDiskStorage_RejectsTraversal(t *testing.T) {
	d := newDisk(t)
	_, err := d.Put(context.Background(), "uploads/../../etc/x", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDiskStorage_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	d := newDisk(t)
	for _, key := range []string{"uploads/a/1.png", "uploads/a/2.png", "uploads/b/3.png"} {
		_, err := d.Put(ctx, key, strings.NewReader("data"), 4, "image/png")
		require.NoError(t, err)
	}

	all, err := d.List(ctx, "uploads/")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := d.List(ctx, "uploads/a/")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "/media/uploads/a/1.png", some[0].URL)

	none, err := d.List(ctx, "uploads/zzz/")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, d.Delete(ctx, "uploads/a/1.png"))
	some, err = d.List(ctx, "uploads/a/")
	require.NoError(t, err)
	assert.Len(t, some, 1)
}
