package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
)

// resolveConfig builds the SDK config from the config file, overlaid with
// TASKMARKET_* environment variables.
func resolveConfig() (taskmarket.Config, error) {
	file, err := loadConfig()
	if err != nil {
		return taskmarket.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := taskmarket.Config{
		BaseURL:   file.Default.BaseURL,
		WSBaseURL: file.Default.WSBaseURL,
		Token:     file.Auth.Token,
	}
	if err := taskmarket.ApplyEnv(&cfg); err != nil {
		return taskmarket.Config{}, err
	}
	if cfg.Token == "" {
		return taskmarket.Config{}, fmt.Errorf("no token. Run 'taskmarket init <token>' first")
	}
	return cfg, nil
}

// userID returns the configured user id, used when the token is opaque.
func userID() taskmarket.ID {
	if v := os.Getenv("TASKMARKET_USER_ID"); v != "" {
		return taskmarket.ID(v)
	}
	file, err := loadConfig()
	if err != nil {
		return ""
	}
	return taskmarket.ID(file.Auth.UserID)
}

// getClient creates a REST client from the resolved config.
func getClient() (*taskmarket.Client, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	return taskmarket.NewClient(cfg.Token,
		taskmarket.WithBaseURL(cfg.BaseURL),
		taskmarket.WithTimeout(cfg.RequestTimeout),
	), nil
}

// newSession creates a realtime session from the resolved config.
func newSession(opts ...taskmarket.SessionOption) (*taskmarket.Session, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]taskmarket.SessionOption{
		taskmarket.WithLogger(logger),
		taskmarket.WithUserID(userID()),
	}, opts...)
	return taskmarket.NewSession(cfg, opts...)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ago renders t relative to now, or "-" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 16 {
		return "****"
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}
