package session

import "github.com/chatline/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session, if it is a valid name
// 3. "main"
//
// A malformed default_session falls through to "main" rather than sending
// garbage into the filesystem paths; the flag value is validated by the
// caller so it can report the error.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" && ValidateName(cfg.DefaultSession) == nil {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
