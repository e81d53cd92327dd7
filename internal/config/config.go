package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatline/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server  Server  `toml:"server"`
	Sync    Sync    `toml:"sync"`
	Outbox  Outbox  `toml:"outbox"`
	Pending Pending `toml:"pending"`
}

// Server holds the messaging service endpoints and connection tuning.
type Server struct {
	Host              string `toml:"host"`
	Insecure          bool   `toml:"insecure"` // ws:// and http:// instead of wss/https
	HeartbeatSeconds  int    `toml:"heartbeat_seconds"`
	BackoffInitialMS  int    `toml:"backoff_initial_ms"`
	BackoffMaxMS      int    `toml:"backoff_max_ms"`
	MaxReconnects     int    `toml:"max_reconnects"`
	RequestTimeoutSec int    `toml:"request_timeout_seconds"`
}

// Sync tunes the catch-up behaviour.
type Sync struct {
	RangePageSize int `toml:"range_page_size"`
}

// Outbox tunes the send queue drainer.
type Outbox struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
}

// Pending bounds the buffer of mutations whose target has not arrived yet.
type Pending struct {
	MaxPerChat int `toml:"max_per_chat"`
	TTLHours   int `toml:"ttl_hours"`
}

// Default returns a config with all tuning fields at their defaults.
func Default() *Config {
	return &Config{
		Server: Server{
			HeartbeatSeconds:  10,
			BackoffInitialMS:  1000,
			BackoffMaxMS:      30000,
			MaxReconnects:     10,
			RequestTimeoutSec: 30,
		},
		Sync:    Sync{RangePageSize: 200},
		Outbox:  Outbox{PollIntervalMS: 500},
		Pending: Pending{MaxPerChat: 256, TTLHours: 24},
	}
}

// Load reads config from the given path, filling unset tuning fields with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
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

func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.HeartbeatSeconds <= 0 {
		c.Server.HeartbeatSeconds = d.Server.HeartbeatSeconds
	}
	if c.Server.BackoffInitialMS <= 0 {
		c.Server.BackoffInitialMS = d.Server.BackoffInitialMS
	}
	if c.Server.BackoffMaxMS <= 0 {
		c.Server.BackoffMaxMS = d.Server.BackoffMaxMS
	}
	if c.Server.MaxReconnects <= 0 {
		c.Server.MaxReconnects = d.Server.MaxReconnects
	}
	if c.Server.RequestTimeoutSec <= 0 {
		c.Server.RequestTimeoutSec = d.Server.RequestTimeoutSec
	}
	if c.Sync.RangePageSize <= 0 {
		c.Sync.RangePageSize = d.Sync.RangePageSize
	}
	if c.Outbox.PollIntervalMS <= 0 {
		c.Outbox.PollIntervalMS = d.Outbox.PollIntervalMS
	}
	if c.Pending.MaxPerChat <= 0 {
		c.Pending.MaxPerChat = d.Pending.MaxPerChat
	}
	if c.Pending.TTLHours <= 0 {
		c.Pending.TTLHours = d.Pending.TTLHours
	}
}

// Heartbeat returns the keepalive interval as a duration.
func (s Server) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// BackoffInitial returns the first reconnect delay as a duration.
func (s Server) BackoffInitial() time.Duration {
	return time.Duration(s.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling as a duration.
func (s Server) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMS) * time.Millisecond
}

// BaseURL returns the HTTP API root for the configured host.
func (s Server) BaseURL() string {
	scheme := "https"
	if s.Insecure {
		scheme = "http"
	}
	return scheme + "://" + s.Host
}

// WebSocketURL returns the push stream endpoint for the configured host.
func (s Server) WebSocketURL() string {
	scheme := "wss"
	if s.Insecure {
		scheme = "ws"
	}
	return scheme + "://" + s.Host + "/ws"
}

// RequestTimeout returns the HTTP request timeout as a duration.
func (s Server) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSec) * time.Second
}

// PollInterval returns the outbox poll interval as a duration.
func (o Outbox) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

// TTL returns the pending-mutation retention window as a duration.
func (p Pending) TTL() time.Duration {
	return time.Duration(p.TTLHours) * time.Hour
}
