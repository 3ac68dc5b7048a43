package main

import (
	"fmt"
	"os"

	"github.com/campusline/chatsync"
)

// newClient creates a client for the configured router. token may be empty.
func newClient(cfg *Config, token string) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(token, opts...)
}

// getClient creates a client authenticated with the stored token.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync register <id>' first.")
		os.Exit(1)
	}
	return newClient(cfg, cfg.Auth.Token), cfg
}

// self returns the stored principal.
func self(cfg *Config) chatsync.Principal {
	return chatsync.Principal{ID: cfg.Auth.PrincipalID, DisplayName: cfg.Auth.DisplayName}
}

func apiError(result *chatsync.Result) error {
	if result.Error != nil {
		return fmt.Errorf("API error: %s: %s", result.Error.Code, result.Error.Message)
	}
	return fmt.Errorf("API returned an error (no details)")
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
