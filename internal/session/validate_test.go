package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "my-session", "test_1", "0day"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"", "Main", "has space", "dots.not.ok", "slash/no",
		"-flagish", "_hidden",
		strings.Repeat("a", 65),
	}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
