// Package state persists the last selected routing source per device product.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileSuffix is appended to the product name to form the state file name.
const fileSuffix = ".state"

// State is the persisted record for one device product.
type State struct {
	// Source is the ordinal of the last selected routing source, or nil when
	// no selection has been recorded.
	Source *int `json:"source,omitempty"`
}

// Store reads and writes per-product state files in a single directory.
// There is one expected writer per session (the running service, or the CLI
// in direct mode while no service runs), so no file locking is performed.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the state files.
func (s *Store) Dir() string { return s.dir }

// Path returns the state file path for the given product name.
func (s *Store) Path(product string) string {
	return filepath.Join(s.dir, product+fileSuffix)
}

// EnsureDir creates the state directory if it doesn't exist.
func (s *Store) EnsureDir() error {
	return os.MkdirAll(s.dir, 0755)
}

// Load reads the state for product. A missing or corrupt file yields the
// zero state, never an error.
func (s *Store) Load(product string) State {
	data, err := os.ReadFile(s.Path(product))
	if err != nil {
		return State{}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}
	}
	return st
}

// Save writes the state for product, creating the directory if needed.
func (s *Store) Save(product string, st State) error {
	if err := s.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.Path(product), data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// productFromPath maps a state file path back to its product name.
// Returns "" for paths that are not state files.
func productFromPath(path string) string {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, fileSuffix) {
		return ""
	}
	return strings.TrimSuffix(name, fileSuffix)
}
