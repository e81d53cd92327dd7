// Package creds abstracts where the bearer credential comes from. The
// daemon reads tokens, it never writes them; provisioning is the job of
// whatever authenticated the session in the first place.
package creds

import (
	"os"
	"strings"
)

// Store provides the current access token, if the session is logged in.
type Store interface {
	// AccessToken returns the bearer token and true, or "" and false when
	// the session is logged out.
	AccessToken() (string, bool)
}

// FileStore reads the token from a file under the session directory.
// An absent or empty file means logged out.
type FileStore struct {
	path string
}

// NewFileStore creates a token store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// AccessToken implements Store. The file is re-read on every call so a
// token written after daemon start is picked up without a restart.
func (s *FileStore) AccessToken() (string, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", false
	}
	return token, true
}

// StaticStore returns a fixed token. Used in tests.
type StaticStore string

// AccessToken implements Store.
func (s StaticStore) AccessToken() (string, bool) {
	return string(s), s != ""
}
