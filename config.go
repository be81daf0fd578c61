package taskmarket

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultBaseURL              = "http://localhost:8000"
	DefaultTimeout              = 30 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultGracePeriod          = 10 * time.Second
	DefaultEchoWindow           = 5 * time.Second
	DefaultLedgerCapacity       = 1000
	DefaultUserSocketPath       = "/ws/user/%s/"
	DefaultChatSocketPath       = "/ws/chat/%s/"
)

// Config configures a Session and its realtime connections.
type Config struct {
	BaseURL              string        `env:"TASKMARKET_BASE_URL"`
	WSBaseURL            string        `env:"TASKMARKET_WS_BASE_URL"`
	Token                string        `env:"TASKMARKET_TOKEN"`
	RequestTimeout       time.Duration `env:"TASKMARKET_REQUEST_TIMEOUT"`
	ReconnectDelay       time.Duration `env:"TASKMARKET_RECONNECT_DELAY"`
	MaxReconnectAttempts int           `env:"TASKMARKET_MAX_RECONNECT_ATTEMPTS"`
	GracePeriod          time.Duration `env:"TASKMARKET_GRACE_PERIOD"`
	EchoWindow           time.Duration `env:"TASKMARKET_ECHO_WINDOW"`
	LedgerCapacity       int           `env:"TASKMARKET_LEDGER_CAPACITY"`
	UserSocketPath       string        `env:"TASKMARKET_USER_SOCKET_PATH"`
	ChatSocketPath       string        `env:"TASKMARKET_CHAT_SOCKET_PATH"`
}

// LoadConfigFromEnv reads TASKMARKET_* variables and fills in defaults.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays the TASKMARKET_* variables that are set onto cfg, then
// fills in defaults for whatever is still empty.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.defaults()
	return nil
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.WSBaseURL == "" {
		c.WSBaseURL = websocketBase(c.BaseURL)
	}
	c.WSBaseURL = strings.TrimRight(c.WSBaseURL, "/")
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	if c.LedgerCapacity == 0 {
		c.LedgerCapacity = DefaultLedgerCapacity
	}
	if c.UserSocketPath == "" {
		c.UserSocketPath = DefaultUserSocketPath
	}
	if c.ChatSocketPath == "" {
		c.ChatSocketPath = DefaultChatSocketPath
	}
}

func websocketBase(httpBase string) string {
	u := strings.Replace(httpBase, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
