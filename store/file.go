package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a KV persisted as a single JSON object on disk. The whole map
// is loaded on open and rewritten on every mutation; a corrupt file is
// treated as empty rather than fatal, matching the store's
// absence-on-invalid policy.
type File struct {
	mu    sync.Mutex
	path  string
	items map[string]string
}

// NewFile opens (or creates) a file-backed KV at path.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("store: create dirs: %w", err)
	}

	f := &File{path: path, items: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh store
	case err != nil:
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	default:
		if jsonErr := json.Unmarshal(raw, &f.items); jsonErr != nil {
			f.items = make(map[string]string)
		}
	}
	return f, nil
}

func (f *File) GetItem(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok
}

func (f *File) SetItem(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
	return f.flushLocked()
}

func (f *File) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	raw, err := json.Marshal(f.items)
	if err != nil {
		return err
	}
	// write-then-rename keeps the file whole if the process dies mid-write
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("store: rename %s: %w", f.path, err)
	}
	return nil
}
