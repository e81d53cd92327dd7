package creds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "token"))
	if _, ok := s.AccessToken(); ok {
		t.Error("missing token file should report logged out")
	}
}

func TestFileStoreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path)
	if _, ok := s.AccessToken(); ok {
		t.Error("blank token file should report logged out")
	}
}

func TestFileStoreReadsLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewFileStore(path)

	if err := os.WriteFile(path, []byte("tok-1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, ok := s.AccessToken()
	if !ok || tok != "tok-1" {
		t.Fatalf("got (%q, %v), want (tok-1, true)", tok, ok)
	}

	// Token rotated on disk is picked up without restart.
	if err := os.WriteFile(path, []byte("tok-2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, ok = s.AccessToken()
	if !ok || tok != "tok-2" {
		t.Fatalf("got (%q, %v), want (tok-2, true)", tok, ok)
	}
}

func TestStaticStore(t *testing.T) {
	tok, ok := StaticStore("abc").AccessToken()
	if !ok || tok != "abc" {
		t.Errorf("got (%q, %v), want (abc, true)", tok, ok)
	}
	if _, ok := StaticStore("").AccessToken(); ok {
		t.Error("empty static store should report logged out")
	}
}
