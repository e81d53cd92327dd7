package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.chatline/sessions and show
// up as log fields, so they are kept short and shell-safe. Leading - or _
// is rejected so a name never looks like a command-line flag.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name is usable as a session identifier.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: lowercase letters, digits, - and _ only, starting with a letter or digit, at most 64 characters", name)
	}
	return nil
}
