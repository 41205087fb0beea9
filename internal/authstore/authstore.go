// Package authstore persists the bearer token pair and the cached user
// profile between CLI invocations.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	defaultFileMode = 0600
	defaultDirMode  = 0700
)

// ErrNotLoggedIn is returned by callers that need a token when none is stored.
var ErrNotLoggedIn = errors.New("not logged in")

type fileState struct {
	Token *model.Token `json:"token,omitempty"`
	User  *model.User  `json:"user,omitempty"`
}

// Store is a concurrency-safe token/user store backed by one JSON file.
// Every mutation rewrites the file atomically.
type Store struct {
	mu    sync.RWMutex
	path  string
	state fileState
}

// DefaultPath returns $XDG_STATE_HOME/sfdwatch/auth.json, falling back to
// ~/.local/state when XDG_STATE_HOME is unset.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return filepath.Join(".sfdwatch", "auth.json")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "sfdwatch", "auth.json")
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("authstore: path is empty")
	}

	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("authstore: read: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("authstore: parse %s: %w", path, err)
	}
	return s, nil
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{}
}

// Path returns the backing file path, empty for memory stores.
func (s *Store) Path() string { return s.path }

// Token returns the stored token pair and whether an access token exists.
func (s *Store) Token() (model.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Token == nil || s.state.Token.AccessToken == "" {
		return model.Token{}, false
	}
	return *s.state.Token, true
}

// SetToken replaces the token pair.
func (s *Store) SetToken(tok model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Token = &tok
	return s.persistLocked()
}

// User returns the cached profile.
func (s *Store) User() (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.User == nil {
		return model.User{}, false
	}
	return *s.state.User, true
}

// SetUser replaces the cached profile.
func (s *Store) SetUser(u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.User = &u
	return s.persistLocked()
}

// Clear drops the token and the profile.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fileState{}
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("authstore: remove: %w", err)
	}
	return nil
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("authstore: encode: %w", err)
	}
	return writeAtomic(s.path, append(payload, '\n'))
}

func writeAtomic(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("authstore: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("authstore: open tmp: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("authstore: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("authstore: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("authstore: close tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("authstore: rename: %w", err)
	}
	return nil
}
