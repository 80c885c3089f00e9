// Package fsstore persists the bridge's small JSON state files, such
// as the instance registry, with atomic replace semantics so a crash
// mid-write never leaves a truncated file behind. State files are
// private to the user (0700 dirs, 0600 files).
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

var (
	ErrInvalidPath  = errors.New("fsstore: invalid path")
	ErrDecodeFailed = errors.New("fsstore: decode failed")
)

func cleanPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

func EnsureDir(path string) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, dirPerm); err != nil {
		return fmt.Errorf("fsstore: ensure dir %s: %w", p, err)
	}
	return nil
}

// ReadJSON loads a state file into out. A missing or blank file is not
// an error; found reports false so callers can start empty.
func ReadJSON(path string, out any) (found bool, err error) {
	p, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("fsstore: read %s: %w", p, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, p, err)
	}
	return true, nil
}

// WriteJSONAtomic marshals v with indentation and replaces the target
// file in a single rename, creating parent directories as needed.
func WriteJSONAtomic(path string, v any) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsstore: encode %s: %w", p, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(p)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*")
	if err != nil {
		return fmt.Errorf("fsstore: stage %s: %w", p, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("fsstore: stage %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsstore: stage %s: %w", p, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("fsstore: stage %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsstore: stage %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("fsstore: replace %s: %w", p, err)
	}

	// Best-effort directory sync so the rename survives a power loss.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
