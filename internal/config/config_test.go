package config

import (
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"PORT", "CHATSYNC_TOKEN_SECRET", "CHATSYNC_TOKEN_TTL", "CHATSYNC_DB", "CORS_ORIGINS", "LOG_LEVEL"} {
			t.Setenv(k, "")
		}
		cfg := Load()
		assert.Equal(t, "8080", cfg.ServerPort)
		assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
		assert.Empty(t, cfg.DatabasePath)
		assert.NotEmpty(t, cfg.TokenSecret)
		assert.Len(t, cfg.CORSOrigins, 2)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("CHATSYNC_TOKEN_SECRET", "s3cret")
		t.Setenv("CHATSYNC_TOKEN_TTL", "90m")
		t.Setenv("CHATSYNC_DB", "/tmp/chatsync.db")
		t.Setenv("CORS_ORIGINS", " https://a.example , https://b.example ,")
		cfg := Load()
		assert.Equal(t, "9090", cfg.ServerPort)
		assert.Equal(t, "s3cret", cfg.TokenSecret)
		assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
		assert.Equal(t, "/tmp/chatsync.db", cfg.DatabasePath)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	})

	t.Run("invalid ttl falls back", func(t *testing.T) {
		t.Setenv("CHATSYNC_TOKEN_TTL", "soon")
		assert.Equal(t, 24*time.Hour, Load().TokenTTL)
	})
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, jww.LevelTrace, Threshold("TRACE"))
	assert.Equal(t, jww.LevelDebug, Threshold("debug"))
	assert.Equal(t, jww.LevelWarn, Threshold("warning"))
	assert.Equal(t, jww.LevelError, Threshold("error"))
	assert.Equal(t, jww.LevelInfo, Threshold("verbose"))
}
