package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/campusline/chatsync"
	"github.com/campusline/chatsync/internal/config"
	"github.com/campusline/chatsync/internal/router"
	"github.com/campusline/chatsync/internal/store"
)

var servePort string

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the message router",
	Long: `Run the message router. Settings are read from the environment or a .env file:
  PORT                   listen port (default 8080)
  CHATSYNC_TOKEN_SECRET  token signing secret
  CHATSYNC_TOKEN_TTL     token lifetime (default 24h)
  CHATSYNC_DB            SQLite database path (default in-memory)
  CORS_ORIGINS           comma-separated browser origins
  LOG_LEVEL              trace, debug, info, warn, error`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if !cmd.Flags().Changed("log-level") {
			jww.SetStdoutThreshold(config.Threshold(cfg.LogLevel))
		}
		if servePort != "" {
			cfg.ServerPort = servePort
		}

		var st store.Store
		if cfg.DatabasePath != "" {
			sqlStore, err := store.OpenSQLite(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			st = sqlStore
			jww.INFO.Printf("[Store] using SQLite at %s", cfg.DatabasePath)
		} else {
			st = store.NewMemoryStore()
			jww.INFO.Println("[Store] using in-memory store")
		}
		defer st.Close()

		tokens, err := chatsync.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("failed to create token issuer: %w", err)
		}

		srv := router.NewServer(st, tokens, cfg.CORSOrigins)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Router listening on :%s\n", cfg.ServerPort)
		return srv.ListenAndServe(ctx, ":"+cfg.ServerPort)
	},
}
