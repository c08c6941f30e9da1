package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	// The terminal UI owns stdout, so logs go to a file.
	LogFile string `envconfig:"CHAT_LOG_FILE" default:"verichat.log"`

	// Backend
	APIURL string `envconfig:"CHAT_API_URL" default:"http://localhost:8080"`
	WSURL  string `envconfig:"CHAT_WS_URL" default:"ws://localhost:8080/ws/chat"`

	// Local session database (SQLite)
	SessionDB string `envconfig:"CHAT_SESSION_DB" default:"verichat.db"`

	// Local status server; empty disables it
	StatusAddr string `envconfig:"CHAT_STATUS_ADDR" default:"127.0.0.1:9464"`

	// Timing
	PollInterval      time.Duration `envconfig:"CHAT_POLL_INTERVAL" default:"10s"`
	TypingTimeout     time.Duration `envconfig:"CHAT_TYPING_TIMEOUT" default:"2s"`
	PeerTypingTimeout time.Duration `envconfig:"CHAT_PEER_TYPING_TIMEOUT" default:"0s"` // 0 keeps the flag until the peer clears it
	ReconnectAttempts int           `envconfig:"CHAT_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectDelay    time.Duration `envconfig:"CHAT_RECONNECT_DELAY" default:"1s"`
	RequestTimeout    time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"15s"`
	HandshakeTimeout  time.Duration `envconfig:"CHAT_HANDSHAKE_TIMEOUT" default:"10s"`

	MaxMessageLength int `envconfig:"CHAT_MAX_MESSAGE_LENGTH" default:"4000"`

	// Profile is an optional YAML file overriding endpoints and timings.
	Profile string `envconfig:"CHAT_PROFILE"`
}

// IsDevelopment reports whether console-formatted logs should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// StatusEnabled returns true if the local status server should run.
func (c *Config) StatusEnabled() bool {
	return c.StatusAddr != ""
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("CHAT_API_URL: %w", err)
	}
	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("CHAT_WS_URL: %w", err)
	}
	positive := map[string]time.Duration{
		"CHAT_POLL_INTERVAL":     c.PollInterval,
		"CHAT_TYPING_TIMEOUT":    c.TypingTimeout,
		"CHAT_RECONNECT_DELAY":   c.ReconnectDelay,
		"CHAT_REQUEST_TIMEOUT":   c.RequestTimeout,
		"CHAT_HANDSHAKE_TIMEOUT": c.HandshakeTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.PeerTypingTimeout < 0 {
		return fmt.Errorf("CHAT_PEER_TYPING_TIMEOUT must not be negative, got %s", c.PeerTypingTimeout)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must be at least 1, got %d", c.ReconnectAttempts)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("CHAT_MAX_MESSAGE_LENGTH must be at least 1, got %d", c.MaxMessageLength)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of %v", raw, schemes)
}

// Load reads an optional .env file, then configuration from environment
// variables, then the YAML profile if one is named.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	if cfg.Profile != "" {
		p, err := LoadProfile(cfg.Profile)
		if err != nil {
			return nil, err
		}
		p.Apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
