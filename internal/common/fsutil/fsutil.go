package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/whisper
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists on fs.
func PathExists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// WriteOnce materializes path by streaming fill into a temp file in the same
// directory and renaming it into place. If path already exists, fill is not
// called and written is false. A concurrent writer that wins the race keeps
// its file and ours is discarded.
func WriteOnce(fs afero.Fs, path string, fill func(io.Writer) error) (written bool, err error) {
	if PathExists(fs, path) {
		return false, nil
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := fs.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("create temp: %w", err)
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return false, fmt.Errorf("close temp: %w", err)
	}
	if PathExists(fs, path) {
		_ = fs.Remove(tmp)
		return false, nil
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return false, fmt.Errorf("rename: %w", err)
	}
	return true, nil
}

// IsPermission reports whether err is a permission or read-only failure.
func IsPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
