// Package persistence provides the storage adapters: a JSON file store for
// conversation state and a sqlite archive of finished tasks.
package persistence

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Generic JSON file store
// ---------------------------------------------------------------------------

// JSONStore provides generic JSON file-based persistence for any serializable type.
// It keeps an in-memory cache and persists to disk on every Put/Remove.
// Keys are path-escaped to form file names, so any string is a valid key.
type JSONStore[T any] struct {
	baseDir string
	items   map[string]*T
	mu      sync.RWMutex
}

// NewJSONStore creates a new file-backed store.
func NewJSONStore[T any](baseDir string) (*JSONStore[T], error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", baseDir, err)
	}
	return &JSONStore[T]{
		baseDir: baseDir,
		items:   make(map[string]*T),
	}, nil
}

// Load reads all JSON files from the base directory into memory. Unreadable
// files are skipped and returned as the count of skipped entries.
func (s *JSONStore[T]) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			skipped++
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			skipped++
			continue
		}
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			skipped++
			continue
		}
		s.items[key] = &item
	}
	return skipped, nil
}

// Get retrieves an item by key.
func (s *JSONStore[T]) Get(key string) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[key]
	return item, ok
}

// Put saves an item to memory and disk. The file is replaced atomically.
func (s *JSONStore[T]) Put(key string, item *T) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	s.items[key] = item
	return nil
}

// Remove deletes an item from memory and disk.
func (s *JSONStore[T]) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	os.Remove(s.path(key))
	return true
}

// All returns all items.
func (s *JSONStore[T]) All() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*T, 0, len(s.items))
	for _, item := range s.items {
		result = append(result, item)
	}
	return result
}

// Count returns the number of stored items.
func (s *JSONStore[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *JSONStore[T]) path(key string) string {
	return filepath.Join(s.baseDir, url.PathEscape(key)+".json")
}
