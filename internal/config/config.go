// Package config loads and saves the client configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full client configuration.
type Config struct {
	API      API      `toml:"api"`
	Timeouts Timeouts `toml:"timeouts"`
	Cache    Cache    `toml:"cache"`
	Backoff  Backoff  `toml:"backoff"`
	Pending  Pending  `toml:"pending"`
	Store    Store    `toml:"store"`
	Relay    Relay    `toml:"relay"`
	Log      Log      `toml:"log"`
}

// API locates the REST and socket endpoints.
type API struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// Timeouts tunes the per-operation deadlines. Send-ack is short so a slow
// socket falls back to HTTP quickly; fetch is longer because its only
// fallback is the cache.
type Timeouts struct {
	SendAck           duration `toml:"send_ack"`
	Fetch             duration `toml:"fetch"`
	Init              duration `toml:"init"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  duration `toml:"heartbeat_timeout"`
}

// Cache bounds the in-memory message cache.
type Cache struct {
	Conversations int      `toml:"conversations"`
	FreshTTL      duration `toml:"fresh_ttl"`
}

// Backoff tunes reconnection.
type Backoff struct {
	Initial     duration `toml:"initial"`
	Max         duration `toml:"max"`
	Growth      float64  `toml:"growth"`
	Jitter      float64  `toml:"jitter"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Pending bounds the replay queue.
type Pending struct {
	Capacity int      `toml:"capacity"`
	MaxAge   duration `toml:"max_age"`
	Stagger  duration `toml:"stagger"`
}

// Store configures the optional on-disk archive.
type Store struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Relay configures the optional cross-instance notification relay.
type Relay struct {
	RedisAddr string `toml:"redis_addr"`
	Prefix    string `toml:"prefix"`
}

// Log configures the logger.
type Log struct {
	Path string `toml:"path"`
}

// duration makes time.Duration TOML-friendly ("2s", "500ms").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the plain time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns the production tunings.
func Default() *Config {
	return &Config{
		Timeouts: Timeouts{
			SendAck:           duration(3 * time.Second),
			Fetch:             duration(8 * time.Second),
			Init:              duration(10 * time.Second),
			HeartbeatInterval: duration(25 * time.Second),
			HeartbeatTimeout:  duration(60 * time.Second),
		},
		Cache: Cache{
			Conversations: 50,
			FreshTTL:      duration(30 * time.Second),
		},
		Backoff: Backoff{
			Initial:     duration(time.Second),
			Max:         duration(30 * time.Second),
			Growth:      2,
			Jitter:      0.25,
			MaxAttempts: 5,
		},
		Pending: Pending{
			Capacity: 100,
			MaxAge:   duration(10 * time.Minute),
			Stagger:  duration(100 * time.Millisecond),
		},
		Relay: Relay{Prefix: "chatcore"},
	}
}

// Load reads config from the given path, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
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
