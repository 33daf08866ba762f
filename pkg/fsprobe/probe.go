// Package fsprobe wraps the filesystem queries used for repository discovery.
package fsprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Probe is the read-only filesystem capability the repository linker needs.
type Probe interface {
	// Glob returns the paths matching pattern, like filepath.Glob.
	Glob(pattern string) ([]string, error)
	ModTime(path string) (time.Time, error)
	// Exists reports whether path exists. Errors other than "not exist" are returned.
	Exists(path string) (bool, error)
	IsDir(path string) (bool, error)
}

// OS is the Probe backed by the local filesystem.
type OS struct{}

var _ Probe = OS{}

func (OS) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob %s: %w", pattern, err)
	}
	return matches, nil
}

func (OS) ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

func (OS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

func (OS) IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.IsDir(), nil
}
