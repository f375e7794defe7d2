// Package artifact stores generated byte blobs (e.g. rendered images) by
// storage key.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store writes and deletes artifact blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// DirStore keeps artifacts as files under a base directory. Keys may contain
// forward slashes for nesting but must stay inside the base directory.
type DirStore struct {
	base string
}

// NewDirStore returns a store rooted at base, creating it if needed.
func NewDirStore(base string) (*DirStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &DirStore{base: base}, nil
}

// Put writes the blob, creating parent directories as needed.
func (s *DirStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact parent dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Delete removes the blob. Missing keys are not an error.
func (s *DirStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve maps a key to an on-disk path and rejects traversal outside base.
func (s *DirStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty artifact key")
	}
	path := filepath.Join(s.base, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key %q escapes the store", key)
	}
	return path, nil
}

// MemStore is an in-memory store for tests.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("empty artifact key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte{}, data...)
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Get returns a stored blob, for assertions.
func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	return data, ok
}
