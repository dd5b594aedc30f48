package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when fields are absent from config.toml.
const (
	DefaultPageSize    = 30
	DefaultTypingStop  = 2 * time.Second
	DefaultServerURL   = "ws://localhost:5000/ws"
	DefaultAPIBaseURL  = "http://localhost:5000/api"
	DefaultSessionName = "main"
)

// DefaultICEServers are used when the config names none. Trickle is
// disabled throughout, so these only affect the bundled candidate set.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession  string   `toml:"default_session"`
	ServerURL       string   `toml:"server_url"`
	APIBaseURL      string   `toml:"api_base_url"`
	PageSize        int      `toml:"page_size"`
	TypingStopAfter duration `toml:"typing_stop_after"`
	ICEServers      []string `toml:"ice_servers"`
}

// duration lets TOML carry values like "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads config from the given path and fills in defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to a default
// configuration when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DefaultSession == "" {
		c.DefaultSession = DefaultSessionName
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TypingStopAfter.Duration <= 0 {
		c.TypingStopAfter.Duration = DefaultTypingStop
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = append([]string(nil), DefaultICEServers...)
	}
}

// TypingStop returns the typing inactivity window.
func (c *Config) TypingStop() time.Duration {
	return c.TypingStopAfter.Duration
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
