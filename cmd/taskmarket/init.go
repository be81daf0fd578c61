package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
)

var (
	initBaseURL   string
	initWSBaseURL string
	initUserID    string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL")
	initCmd.Flags().StringVar(&initWSBaseURL, "ws-base-url", "", "Socket base URL, derived from --base-url when empty")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "User id, required when the token carries no claims")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Sign in by storing an access token",
	Long: "Check the access token and store it with the backend location in\n" +
		"~/.taskmarket/config.toml. Opaque tokens need --user-id so the user socket\ncan be addressed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		who, err := applyInit(cfg, args[0], initBaseURL, initWSBaseURL, initUserID, time.Now())
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s. Token saved to %s\n", who, path)
		return nil
	},
}

// applyInit validates token and records it in cfg. Flags left empty keep the
// stored values. It returns a description of the signed-in user.
func applyInit(cfg *Config, token, baseURL, wsBaseURL, userID string, now time.Time) (string, error) {
	claims, err := taskmarket.ParseTokenClaims(token)
	switch {
	case errors.Is(err, taskmarket.ErrUnauthenticated):
		return "", fmt.Errorf("empty token")
	case err != nil:
		if userID == "" && cfg.Auth.UserID == "" {
			return "", fmt.Errorf("token has no readable user id; pass --user-id")
		}
	case !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt):
		return "", fmt.Errorf("token expired %s", humanize.RelTime(claims.ExpiresAt, now, "ago", "from now"))
	case userID != "" && taskmarket.ID(userID) != claims.UserID:
		return "", fmt.Errorf("--user-id %s does not match the token's user %s", userID, claims.UserID)
	}

	cfg.Auth.Token = token
	if userID != "" {
		cfg.Auth.UserID = userID
	} else if err == nil {
		cfg.Auth.UserID = ""
	}
	if baseURL != "" {
		cfg.Default.BaseURL = baseURL
	}
	if wsBaseURL != "" {
		cfg.Default.WSBaseURL = wsBaseURL
	}

	if err != nil {
		return cfg.Auth.UserID, nil
	}
	return valueOrDefault(claims.Username, string(claims.UserID)), nil
}
