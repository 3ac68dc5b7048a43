// Package config loads server settings from .env and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	jww "github.com/spf13/jwalterweatherman"
)

// Config holds the router server settings.
type Config struct {
	// ServerPort is the port the HTTP server listens on.
	ServerPort string

	// TokenSecret signs bearer tokens. Tokens issued under one secret are
	// rejected under another.
	TokenSecret string

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	// DatabasePath selects the SQLite store; empty keeps data in memory.
	DatabasePath string

	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string
}

// Load reads a .env file if present, then the environment, falling back to
// development defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		jww.DEBUG.Println("[Config] no .env file found, using environment variables")
	}

	cfg := &Config{
		ServerPort:   getEnv("PORT", "8080"),
		TokenSecret:  getEnv("CHATSYNC_TOKEN_SECRET", ""),
		TokenTTL:     getDuration("CHATSYNC_TOKEN_TTL", 24*time.Hour),
		DatabasePath: getEnv("CHATSYNC_DB", ""),
		CORSOrigins:  getList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	if cfg.TokenSecret == "" {
		jww.WARN.Println("[Config] CHATSYNC_TOKEN_SECRET is not set, using an insecure development secret")
		cfg.TokenSecret = "chatsync-dev-secret"
	}
	return cfg
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		jww.WARN.Printf("[Config] invalid %s=%q, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return d
}

// getList splits a comma-separated variable and trims whitespace.
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Threshold maps a level name to a jww threshold; unknown names map to info.
func Threshold(level string) jww.Threshold {
	switch strings.ToLower(level) {
	case "trace":
		return jww.LevelTrace
	case "debug":
		return jww.LevelDebug
	case "warn", "warning":
		return jww.LevelWarn
	case "error":
		return jww.LevelError
	}
	return jww.LevelInfo
}
