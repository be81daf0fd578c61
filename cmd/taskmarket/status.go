package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the configuration, decode the access token's claims, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(file.Default.BaseURL, taskmarket.DefaultBaseURL+" (default)"))
		if file.Default.WSBaseURL != "" {
			fmt.Printf("  WS URL:    %s\n", file.Default.WSBaseURL)
		}
		if file.Telemetry.OTLPEndpoint != "" {
			fmt.Printf("  OTLP:      %s\n", file.Telemetry.OTLPEndpoint)
		}

		fmt.Println()
		fmt.Println("Auth:")
		cfg, err := resolveConfig()
		if err != nil {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskToken(cfg.Token))

		claims, err := taskmarket.ParseTokenClaims(cfg.Token)
		switch {
		case err != nil:
			fmt.Printf("  Claims:    opaque token (user id %s)\n", valueOrDefault(string(userID()), "not set"))
		default:
			fmt.Printf("  User:      %s (%s)\n", valueOrDefault(claims.Username, "-"), claims.UserID)
			fmt.Printf("  Expires:   %s\n", tokenExpiry(claims.ExpiresAt, time.Now()))
		}

		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unreadMessages := 0
		for _, c := range convs {
			unreadMessages += c.UnreadCount
		}
		unreadNotifications, err := client.Notifications.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations:         %s\n", humanize.Comma(int64(len(convs))))
		fmt.Printf("  Unread messages:       %s\n", humanize.Comma(int64(unreadMessages)))
		fmt.Printf("  Unread notifications:  %s\n", humanize.Comma(int64(unreadNotifications)))
		return nil
	},
}

func tokenExpiry(exp, now time.Time) string {
	switch {
	case exp.IsZero():
		return "no expiry"
	case now.Before(exp):
		return "valid, expires " + humanize.RelTime(exp, now, "ago", "from now")
	default:
		return "EXPIRED " + humanize.RelTime(exp, now, "ago", "from now")
	}
}
