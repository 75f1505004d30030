package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const manifestName = "MANIFEST"

// manifestEntry describes one segment. Sealed segments carry their final
// sequence range and content hash; the active segment has LastSeq nil.
type manifestEntry struct {
	Name      string  `json:"name"`
	FirstSeq  uint64  `json:"first_seq"`
	LastSeq   *uint64 `json:"last_seq"`
	SHA256    string  `json:"sha256,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

type manifest struct {
	Version  int             `json:"version"`
	Segments []manifestEntry `json:"segments"`
}

// readManifest loads <dir>/MANIFEST. A missing file yields an empty
// manifest so a fresh directory initializes cleanly.
func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return &manifest{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// writeManifest atomically replaces <dir>/MANIFEST: write a temp file,
// fsync it, rename over the old one, fsync the directory.
func writeManifest(dir string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestName+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest temp: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write manifest temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync manifest temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close manifest temp: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return fmt.Errorf("install manifest: %w", err)
	}
	return syncDir(dir)
}

// syncDir fsyncs a directory so renames and creates within it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
