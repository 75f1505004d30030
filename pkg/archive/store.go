// Package archive holds cold copies of sealed log segments. Segments are
// immutable once sealed, so every backend writes a named blob exactly once
// and returns its sha256 digest for cross-checking against the manifest.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/graceos/grace/core/pkg/canon"
)

// Store is the contract for sealed-segment cold storage.
type Store interface {
	// Put persists a sealed segment under its name and returns the
	// digest of the stored bytes as "sha256:<hex>". Re-putting an
	// existing name is a no-op.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get retrieves a segment's bytes by name.
	Get(ctx context.Context, name string) ([]byte, error)
	// Exists checks whether a segment has been archived.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes an archived segment. Absent names are not errors.
	Delete(ctx context.Context, name string) error
}

// validName rejects names that could escape the archive prefix. Segment
// names are flat filenames, never paths.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty segment name")
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("invalid segment name: %s", name)
	}
	return nil
}

func digest(data []byte) string {
	return canon.EncodeHash(canon.Hash(data))
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the archive directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return digest(data), nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("commit segment: %w", err)
	}
	return digest(data), nil
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("segment not archived: %s", name)
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.baseDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete segment: %w", err)
	}
	return nil
}
