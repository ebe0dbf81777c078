package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("RECORD_BACKEND", "memory")
	t.Setenv("BLOB_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, 800, cfg.MaxImageDimension)
	assert.Equal(t, int64(50_000_000), cfg.MaxImagePixels)
	assert.Equal(t, 85, cfg.JPEGQuality)
	assert.Equal(t, 5*time.Minute, cfg.UsernameCacheTTL)
	assert.Equal(t, 5, cfg.LikeMaxAttempts)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "memory")
	t.Setenv("BLOB_BACKEND", "memory")
	t.Setenv("USERNAME_CACHE_TTL", "30s")
	t.Setenv("PHOTO_CACHE_SIZE", "12")
	t.Setenv("PUBLIC_READ_ACL", "false")
	t.Setenv("JPEG_QUALITY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.UsernameCacheTTL)
	assert.Equal(t, 12, cfg.PhotoCacheSize)
	assert.False(t, cfg.PublicReadACL)
	assert.Equal(t, 85, cfg.JPEGQuality, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown record backend", map[string]string{"RECORD_BACKEND": "mongo", "BLOB_BACKEND": "memory"}, "RECORD_BACKEND"},
		{"sql without dsn", map[string]string{"RECORD_BACKEND": "sql", "BLOB_BACKEND": "memory", "DSN": ""}, "DSN"},
		{"s3 without bucket", map[string]string{"RECORD_BACKEND": "memory", "BLOB_BACKEND": "s3", "BUCKET_NAME": ""}, "BUCKET_NAME"},
		{"gcs without bucket", map[string]string{"RECORD_BACKEND": "memory", "BLOB_BACKEND": "gcs", "GCS_BUCKET": ""}, "GCS_BUCKET"},
		{"production without session secret", map[string]string{"RECORD_BACKEND": "memory", "BLOB_BACKEND": "memory", "APP_ENV": "production", "SESSION_SECRET": "", "JWT_SECRET_KEY": ""}, "SESSION_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCORSOrigins(t *testing.T) {
	cfg := &Config{CORSAllowedOrigins: "http://a.test, ,http://b.test"}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins())
}
