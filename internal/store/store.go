// Package store persists opaque JSON snapshots of registry state to disk.
// Each registry (user, agent, session, vault) owns one snapshot file and is
// the only writer of it; the store itself has no knowledge of what it is
// storing, following the load_all/persist capability split the registries
// are built against.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshotter loads and persists an opaque byte blob for one logical file.
// Implementations must make persist atomic with respect to concurrent
// readers: a reader never observes a partially written file.
type Snapshotter interface {
	LoadAll() ([]byte, error)
	Persist(data []byte) error
}

// FileSnapshotter backs a Snapshotter with a single JSON file on disk.
// Writes go to a temp file in the same directory followed by a rename, so a
// crash mid-write never corrupts the previous snapshot.
type FileSnapshotter struct {
	path string
	perm os.FileMode
}

// NewFileSnapshotter returns a FileSnapshotter rooted at path. The
// containing directory is created with 0700 permissions if missing.
func NewFileSnapshotter(path string) (*FileSnapshotter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
	}
	return &FileSnapshotter{path: path, perm: 0o600}, nil
}

// LoadAll returns the raw file contents, or (nil, nil) if the file has never
// been written.
func (f *FileSnapshotter) LoadAll() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}
	return data, nil
}

// Persist atomically replaces the file contents with data.
func (f *FileSnapshotter) Persist(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, f.perm); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// LoadJSON is a convenience for registries: it loads the snapshot and
// unmarshals it into v, leaving v untouched if no snapshot exists yet.
func LoadJSON(s Snapshotter, v any) error {
	data, err := s.LoadAll()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}
	return nil
}

// PersistJSON marshals v with indentation (matching the on-disk format the
// rest of the registries use) and persists it.
func PersistJSON(s Snapshotter, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	return s.Persist(data)
}
