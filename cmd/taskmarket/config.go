package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// configKey is one settable field of the config file.
type configKey struct {
	name   string // section.field
	env    string // variable that overrides it
	secret bool
	field  func(*Config) *string
}

var configKeys = []configKey{
	{"default.base_url", "TASKMARKET_BASE_URL", false, func(c *Config) *string { return &c.Default.BaseURL }},
	{"default.ws_base_url", "TASKMARKET_WS_BASE_URL", false, func(c *Config) *string { return &c.Default.WSBaseURL }},
	{"auth.token", "TASKMARKET_TOKEN", true, func(c *Config) *string { return &c.Auth.Token }},
	{"auth.user_id", "TASKMARKET_USER_ID", false, func(c *Config) *string { return &c.Auth.UserID }},
	{"telemetry.otlp_endpoint", "TASKMARKET_OTLP_ENDPOINT", false, func(c *Config) *string { return &c.Telemetry.OTLPEndpoint }},
}

var configSections = []string{"default", "auth", "telemetry"}

func lookupConfigKey(key string) (configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
	}
	for _, s := range configSections {
		if s == section {
			return configKey{}, fmt.Errorf("unknown field %q in section [%s]", field, section)
		}
	}
	return configKey{}, fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(configSections, ", "))
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	*k.field(cfg) = value
	return nil
}

// renderConfig writes every key of cfg, one per line. Secrets are masked,
// unset keys are marked, and keys overridden by the environment say so.
func renderConfig(w io.Writer, cfg *Config, getenv func(string) string) {
	for _, k := range configKeys {
		value := *k.field(cfg)
		shown := value
		switch {
		case value == "":
			shown = "(not set)"
		case k.secret:
			shown = maskToken(value)
		}
		line := fmt.Sprintf("%-24s %s", k.name, shown)
		if getenv(k.env) != "" {
			line += fmt.Sprintf("  (overridden by %s)", k.env)
		}
		fmt.Fprintln(w, line)
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TaskMarket configuration",
	Long:  "View or modify the CLI configuration stored in ~/.taskmarket/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured values, with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg, os.Getenv)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\nKeys: " + configKeyNames() +
		"\nExample: taskmarket config set default.base_url https://api.taskmarket.example",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd.OutOrStdout(), args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(cmd.OutOrStdout(), args[0], "")
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func updateConfig(w io.Writer, key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if value == "" {
		fmt.Fprintf(w, "Cleared %s\n", key)
	} else {
		fmt.Fprintf(w, "Set %s\n", key)
	}
	return nil
}

func configKeyNames() string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return strings.Join(names, ", ")
}
