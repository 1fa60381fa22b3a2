package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionStore holds the publisher identity of one session. An identity is
// created once and reused until the store is cleared.
type SessionStore interface {
	Load() (publisherID string, ok bool, err error)
	Save(publisherID string) error
	Clear() error
}

// PublisherID returns the identity held by store, creating and saving a new
// one when the store is empty.
func PublisherID(store SessionStore) (string, error) {
	id, ok, err := store.Load()
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.NewString()
	if err := store.Save(id); err != nil {
		return "", err
	}
	return id, nil
}

// MemorySessionStore keeps the identity for the life of the process.
type MemorySessionStore struct {
	mu sync.Mutex
	id string
}

// Compile time verification that *MemorySessionStore implements SessionStore.
var _ SessionStore = (*MemorySessionStore)(nil)

func (s *MemorySessionStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != "", nil
}

func (s *MemorySessionStore) Save(publisherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = publisherID
	return nil
}

func (s *MemorySessionStore) Clear() error {
	return s.Save("")
}

// FileSessionStore keeps the identity in a file so that it survives restarts
// of the same session.
type FileSessionStore struct {
	Path string

	mu sync.Mutex
}

// Compile time verification that *FileSessionStore implements SessionStore.
var _ SessionStore = (*FileSessionStore)(nil)

func (s *FileSessionStore) Load() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("client: read session: %w", err)
	}
	id := strings.TrimSpace(string(data))
	return id, id != "", nil
}

func (s *FileSessionStore) Save(publisherID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("client: create session dir: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(publisherID+"\n"), 0o600); err != nil {
		return fmt.Errorf("client: write session: %w", err)
	}
	return nil
}

func (s *FileSessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("client: clear session: %w", err)
	}
	return nil
}
