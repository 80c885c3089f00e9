package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

const defaultStateDirName = ".opencode-im"

// ExpandHomePath expands a leading "~/" to the user's home directory.
func ExpandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolveStateDir returns the configured state dir, falling back to
// ~/.opencode-im when unset.
func ResolveStateDir(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return ExpandHomePath(configured)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return defaultStateDirName
	}
	return filepath.Join(home, defaultStateDirName)
}

// ResolveStateFile resolves a file name inside the state dir.
func ResolveStateFile(configuredDir, filename string) string {
	return filepath.Join(ResolveStateDir(configuredDir), filename)
}

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
