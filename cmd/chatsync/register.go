package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/chatsync"
)

var (
	registerDisplayName string
	registerEmail       string
)

func init() {
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name shown to other principals")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Contact email")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <id>",
	Short: "Register a principal",
	Long:  "Register a new principal with the router and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg, "")

		displayName := registerDisplayName
		if displayName == "" {
			displayName = id
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Account.Register(ctx, &chatsync.RegisterOptions{
			ID:          id,
			DisplayName: displayName,
			Email:       registerEmail,
		})
		if err != nil {
			return fmt.Errorf("registration request failed: %w", err)
		}
		if !result.OK {
			return apiError(result)
		}

		var reg chatsync.RegisterData
		if err := result.Decode(&reg); err != nil {
			return fmt.Errorf("failed to decode registration response: %w", err)
		}

		cfg.Auth.Token = reg.Token
		cfg.Auth.PrincipalID = reg.Principal.ID
		cfg.Auth.DisplayName = reg.Principal.DisplayName
		cfg.Auth.TokenExpires = reg.ExpiresAt.Format(time.RFC3339)

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  ID:            %s\n", reg.Principal.ID)
		fmt.Printf("  Display Name:  %s\n", reg.Principal.DisplayName)
		fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		return nil
	},
}
