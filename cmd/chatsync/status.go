package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Router URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.PrincipalID != "" {
			fmt.Printf("  Principal:   %s (%s)\n", cfg.Auth.PrincipalID, cfg.Auth.DisplayName)
		} else {
			fmt.Println("  Principal:   (not registered)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (no expiry set)"
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus = fmt.Sprintf("%s, valid (expires %s)", maskToken(cfg.Auth.Token), expires.Format(time.RFC3339))
				default:
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")

		client := newClient(cfg, cfg.Auth.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := client.Health(ctx); err != nil {
			fmt.Printf("  Router:      UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Printf("  Router:      HEALTHY (%s)\n", client.BaseURL())

		if cfg.Auth.Token == "" {
			return nil
		}
		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Account:     %v\n", err)
			return nil
		}
		fmt.Printf("  Account:     %s (%s)\n", me.ID, me.Name())
		return nil
	},
}
