package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.Host = "chat.example.com"
	cfg.Server.BackoffInitialMS = 2000

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultSession != "work" {
		t.Errorf("default_session = %q, want work", got.DefaultSession)
	}
	if got.Server.Host != "chat.example.com" {
		t.Errorf("host = %q, want chat.example.com", got.Server.Host)
	}
	if got.Server.BackoffInitial() != 2*time.Second {
		t.Errorf("backoff initial = %v, want 2s", got.Server.BackoffInitial())
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_session = \"main\"\n\n[server]\nhost = \"chat.example.com\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Heartbeat() != 10*time.Second {
		t.Errorf("heartbeat = %v, want 10s", cfg.Server.Heartbeat())
	}
	if cfg.Server.MaxReconnects != 10 {
		t.Errorf("max reconnects = %d, want 10", cfg.Server.MaxReconnects)
	}
	if cfg.Pending.MaxPerChat != 256 {
		t.Errorf("pending cap = %d, want 256", cfg.Pending.MaxPerChat)
	}
	if cfg.Pending.TTL() != 24*time.Hour {
		t.Errorf("pending ttl = %v, want 24h", cfg.Pending.TTL())
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
}
