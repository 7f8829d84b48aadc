package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// File names inside the user data directory
const (
	SecureBlobFile = "secureData.bin"
	KeyFile        = "secure.key"
	LogsDir        = "logs"
)

// Layout resolves every path the runtime persists under one data directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at dataDir
func New(dataDir string) Layout {
	return Layout{Root: filepath.Clean(dataDir)}
}

// SecureBlob is the encrypted credential record
func (l Layout) SecureBlob() string {
	return filepath.Join(l.Root, SecureBlobFile)
}

// Key is the vault master key file
func (l Layout) Key() string {
	return filepath.Join(l.Root, KeyFile)
}

// LogDir holds devon.log and error.log
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, LogsDir)
}

// Ensure creates the root and log directories with owner-only permissions
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.LogDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ValidateProjectPath checks a session working directory before it is sent to
// the backend. The backend resolves relative paths against its own cwd, so
// only absolute, existing directories are accepted.
func ValidateProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("project path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("project path must be absolute: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", path)
	}
	return nil
}
