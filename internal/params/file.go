package params

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// SaveFile writes p to path in the format implied by its extension. Writers
// are serialized through a lock file next to path, and the content is
// replaced atomically so readers never observe a partial document.
func SaveFile(path string, p Parameters) error {
	var buf bytes.Buffer
	if err := Save(&buf, p, FormatFromPath(path)); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	defer lock.Unlock()

	return atomicWrite(path, buf.Bytes())
}

// LoadFile reads parameters from path in the format implied by its extension.
func LoadFile(path string) (Parameters, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return Parameters{}, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to open parameters: %w", err)
	}
	defer f.Close()

	p, err := Load(f, FormatFromPath(path))
	if err != nil {
		return Parameters{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Cleared once the rename succeeds.
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tmp = nil
	return nil
}
