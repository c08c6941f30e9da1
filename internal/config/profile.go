package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML file that names a backend and tunes timings.
// Values may reference the environment with ${VAR} or $VAR.
//
//	name: staging
//	api_url: https://chat.staging.example.com
//	ws_url: wss://chat.staging.example.com/ws/chat
//	timing:
//	  poll_interval: 5s
//	  request_timeout: 20s
type Profile struct {
	Name   string        `yaml:"name"`
	APIURL string        `yaml:"api_url"`
	WSURL  string        `yaml:"ws_url"`
	Timing TimingProfile `yaml:"timing"`
}

// TimingProfile overrides timing settings. Zero values leave the env value alone.
type TimingProfile struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	TypingTimeout     time.Duration `yaml:"typing_timeout"`
	PeerTypingTimeout time.Duration `yaml:"peer_typing_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// LoadProfile reads and parses a YAML profile, expanding env vars.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := ParseProfile(raw)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// ParseProfile parses a YAML profile from bytes.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &p, nil
}

// Apply copies every non-zero profile value onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.APIURL != "" {
		cfg.APIURL = p.APIURL
	}
	if p.WSURL != "" {
		cfg.WSURL = p.WSURL
	}
	t := p.Timing
	if t.PollInterval > 0 {
		cfg.PollInterval = t.PollInterval
	}
	if t.TypingTimeout > 0 {
		cfg.TypingTimeout = t.TypingTimeout
	}
	if t.PeerTypingTimeout > 0 {
		cfg.PeerTypingTimeout = t.PeerTypingTimeout
	}
	if t.ReconnectAttempts > 0 {
		cfg.ReconnectAttempts = t.ReconnectAttempts
	}
	if t.ReconnectDelay > 0 {
		cfg.ReconnectDelay = t.ReconnectDelay
	}
	if t.RequestTimeout > 0 {
		cfg.RequestTimeout = t.RequestTimeout
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value, or ""
// when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
