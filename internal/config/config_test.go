package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.API.BaseURL = "https://api.example.com"
	cfg.API.SocketURL = "wss://socket.example.com/ws"
	cfg.Backoff.MaxAttempts = 7

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.API.BaseURL != "https://api.example.com" {
		t.Errorf("base url = %q", loaded.API.BaseURL)
	}
	if loaded.Backoff.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", loaded.Backoff.MaxAttempts)
	}
	if loaded.Timeouts.SendAck.Std() != 3*time.Second {
		t.Errorf("send ack = %v", loaded.Timeouts.SendAck.Std())
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	partial := `
[api]
base_url = "https://api.example.com"

[timeouts]
send_ack = "500ms"
`
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.SendAck.Std() != 500*time.Millisecond {
		t.Errorf("send ack = %v, want 500ms", cfg.Timeouts.SendAck.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.Conversations != 50 {
		t.Errorf("cache capacity = %d, want default 50", cfg.Cache.Conversations)
	}
	if cfg.Backoff.Growth != 2 {
		t.Errorf("growth = %v, want default 2", cfg.Backoff.Growth)
	}
}

func TestDefaultTunings(t *testing.T) {
	cfg := Default()
	if cfg.Timeouts.SendAck.Std() >= cfg.Timeouts.Fetch.Std() {
		t.Error("send-ack timeout should be shorter than fetch timeout")
	}
	if cfg.Timeouts.HeartbeatTimeout.Std() <= cfg.Timeouts.HeartbeatInterval.Std() {
		t.Error("heartbeat timeout must exceed the ping interval")
	}
}
