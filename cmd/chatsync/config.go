package main

import (
	"fmt"
	"net/url"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowReveal bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the token unmasked")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit ~/.chatsync/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored router URL and identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()

		shown := *cfg
		if !configShowReveal && shown.Auth.Token != "" {
			shown.Auth.Token = maskToken(shown.Auth.Token)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Change one stored value",
	Long: `Change one stored value. Keys:
  default.base_url     router URL, e.g. http://localhost:8080
  default.log_level    trace, debug, info, warn, error
  auth.token           bearer token issued by register
  auth.principal_id    id the token belongs to
  auth.display_name    display name
  auth.token_expires   RFC 3339 expiry`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := validateConfigValue(key, value); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

// validateConfigValue rejects values the CLI could not use later.
func validateConfigValue(key, value string) error {
	switch key {
	case "default.base_url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an http(s) URL, got %q", value)
		}
	case "default.log_level":
		switch value {
		case "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log_level must be one of trace, debug, info, warn, error")
		}
	}
	return nil
}
