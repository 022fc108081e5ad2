package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists the key/value map as a single JSON file. Every
// write lands on a temporary file first and is renamed into place, so a
// crash mid-write never corrupts the previous snapshot.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	entries  map[string][]byte
}

// NewFileStore opens (or creates) a file-backed store at filePath.
func NewFileStore(filePath string) (*FileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	fs := &FileStore{
		filePath: filePath,
		entries:  make(map[string][]byte),
	}

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if err := json.Unmarshal(data, &fs.entries); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}

	return fs, nil
}

func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	value, ok := fs.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (fs *FileStore) Set(ctx context.Context, key string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	fs.entries[key] = stored
	return fs.flushLocked()
}

func (fs *FileStore) Delete(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.entries[key]; !ok {
		return nil
	}
	delete(fs.entries, key)
	return fs.flushLocked()
}

func (fs *FileStore) Keys(ctx context.Context) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	keys := make([]string, 0, len(fs.entries))
	for k := range fs.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushLocked()
}

// flushLocked writes the snapshot via temp file + atomic rename.
// Caller must hold fs.mu.
func (fs *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(fs.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tempPath := fs.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temporary store file: %w", err)
	}
	if err := os.Rename(tempPath, fs.filePath); err != nil {
		return fmt.Errorf("rename store file: %w", err)
	}
	return nil
}
