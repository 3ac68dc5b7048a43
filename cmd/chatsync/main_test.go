package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*Config) string
		wantErr bool
	}{
		{key: "default.base_url", value: "http://localhost:9000", check: func(c *Config) string { return c.Default.BaseURL }},
		{key: "default.log_level", value: "debug", check: func(c *Config) string { return c.Default.LogLevel }},
		{key: "auth.token", value: "tok", check: func(c *Config) string { return c.Auth.Token }},
		{key: "auth.principal_id", value: "alice", check: func(c *Config) string { return c.Auth.PrincipalID }},
		{key: "auth.display_name", value: "Alice", check: func(c *Config) string { return c.Auth.DisplayName }},
		{key: "auth.token_expires", value: "2026-01-01T00:00:00Z", check: func(c *Config) string { return c.Auth.TokenExpires }},
		{key: "base_url", value: "x", wantErr: true},
		{key: "default.nope", value: "x", wantErr: true},
		{key: "auth.nope", value: "x", wantErr: true},
		{key: "other.base_url", value: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, tt.check(cfg))
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg, "missing file loads as zero config")

	cfg.Default.BaseURL = "http://localhost:8080"
	cfg.Auth.Token = "abc.def"
	cfg.Auth.PrincipalID = "alice"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *loaded)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("short"))
	assert.Equal(t, "abcdefgh...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "héllo w...", truncate("héllo world!", 10))
}

func TestValidateConfigValue(t *testing.T) {
	assert.NoError(t, validateConfigValue("default.base_url", "http://localhost:8080"))
	assert.NoError(t, validateConfigValue("default.base_url", "https://chat.example.com"))
	assert.Error(t, validateConfigValue("default.base_url", "localhost:8080"))
	assert.Error(t, validateConfigValue("default.base_url", "ws://localhost:8080"))

	assert.NoError(t, validateConfigValue("default.log_level", "debug"))
	assert.Error(t, validateConfigValue("default.log_level", "verbose"))

	assert.NoError(t, validateConfigValue("auth.token", "anything"))
}
