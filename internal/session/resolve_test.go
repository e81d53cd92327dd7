package session

import (
	"testing"

	"github.com/chatline/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve with flag = %q, want work", got)
	}
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve without config = %q, want %q", got, DefaultSessionName)
	}

	cfg := config.Default()
	cfg.DefaultSession = "team"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "team" {
		t.Errorf("Resolve with config default = %q, want team", got)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("flag must beat config default, got %q", got)
	}

	cfg.DefaultSession = "Not A Name"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("malformed config default must fall back, got %q", got)
	}
}
