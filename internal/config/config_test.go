package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"S3_ENDPOINT", "S3_USE_SSL", "PRIVILEGED_ROLES", "MEDIA_CHUNK_SIZE", "SWEEP_INTERVAL", "BLOB_READ_WRITE_TOKEN"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, []string{"admin", "editor"}, cfg.PrivilegedRoles)
	assert.True(t, cfg.Storage.UseSSL)
	assert.Equal(t, "auto", cfg.Storage.Region)
	assert.Equal(t, int64(4<<20), cfg.Media.ChunkSize)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.False(t, cfg.Storage.PrimaryConfigured())
	assert.False(t, cfg.Storage.BlobConfigured())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "localhost:9000")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET", "media")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("PRIVILEGED_ROLES", " admin , ,owner")
	t.Setenv("MEDIA_CHUNK_SIZE", "1048576")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("SWEEP_GRACE", "not-a-duration")
	t.Setenv("APP_ENV", "production")

	cfg := Load()
	assert.True(t, cfg.Storage.PrimaryConfigured())
	assert.False(t, cfg.Storage.UseSSL)
	assert.Equal(t, []string{"admin", "owner"}, cfg.PrivilegedRoles)
	assert.Equal(t, int64(1<<20), cfg.Media.ChunkSize)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, time.Hour, cfg.Sweep.Grace)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_InvalidChunkFallsBack(t *testing.T) {
	t.Setenv("MEDIA_CHUNK_SIZE", "-5")
	assert.Equal(t, int64(4<<20), Load().Media.ChunkSize)
}
