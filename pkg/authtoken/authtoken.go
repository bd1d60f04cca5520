// Package authtoken implements the single opaque bearer token used to
// authenticate gateway connections (spec.md §4.6). The token lives on disk
// at a well-known path, written atomically with 0600 permissions; the
// gateway holds the current value in memory and compares by constant-time
// equality on every request.
package authtoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const tokenBytes = 32

// Store holds the current token in memory and persists it to disk.
type Store struct {
	mu    sync.RWMutex
	path  string
	value string
}

// LoadOrCreate returns a Store backed by path: the existing token if path
// exists, or a freshly generated one written atomically otherwise.
func LoadOrCreate(path string) (*Store, error) {
	s := &Store{path: path}
	if data, err := os.ReadFile(path); err == nil {
		s.value = string(data)
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	tok, err := generate()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, tok); err != nil {
		return nil, err
	}
	s.value = tok
	return s, nil
}

// Current returns the in-memory token value.
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Matches compares candidate against the current token in constant time.
func (s *Store) Matches(candidate string) bool {
	current := s.Current()
	if len(candidate) != len(current) {
		// subtle.ConstantTimeCompare requires equal length, so a length
		// mismatch returns false immediately, before any byte comparison;
		// only equal-length candidates are compared in constant time.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(current)) == 1
}

// Rotate generates a fresh token, persists it, swaps it in atomically, and
// returns the new value (spec.md §4.6, §8.2: "Rotation(Rotation(token))
// yields a token distinct from the original").
func (s *Store) Rotate() (string, error) {
	tok, err := generate()
	if err != nil {
		return "", err
	}
	if err := writeAtomic(s.path, tok); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.value = tok
	s.mu.Unlock()
	return tok, nil
}

func generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeAtomic(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
