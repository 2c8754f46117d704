// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory pages are written below.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes content-addressed page bodies below a base directory.
// Writes go through a temporary file and a rename, so a reader never sees a
// partial page, and an existing file is left untouched.
type BlobStore struct {
	baseDir string
}

// New prepares BaseDir, creating it when missing, and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("local: base directory is required")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local: resolve base directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create base directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("local: stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local: %s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("local: base directory is not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("local: clean up probe file: %w", err)
	}
	return &BlobStore{baseDir: dir}, nil
}

// PutObject writes data at path below the base directory unless a file is
// already there, and returns its file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("local: path is required")
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("local: path %q escapes the base directory", path)
	}
	uri := "file://" + full

	if _, err := os.Stat(full); err == nil {
		return uri, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("local: stat %s: %w", full, err)
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("local: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".page-*")
	if err != nil {
		return "", fmt.Errorf("local: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local: write %s: %w", full, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local: close %s: %w", full, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("local: rename into %s: %w", full, err)
	}
	return uri, nil
}
