// Package local implements a local filesystem blob store for converted
// artifacts.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Overwrite replaces an existing file of the same name. When false a
	// numeric suffix is added instead ("doc_processed-1.md").
	Overwrite bool `mapstructure:"overwrite" yaml:"overwrite"`
}

// maxSuffix bounds the search for a free name when Overwrite is off.
const maxSuffix = 1000

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir   string
	overwrite bool
}

// New creates a new local filesystem-backed blob store, creating BaseDir if
// needed and checking that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	tmp, err := os.CreateTemp(baseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	_ = tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up write test file: %w", err)
	}

	return &BlobStore{baseDir: baseDir, overwrite: cfg.Overwrite}, nil
}

// PutObject streams data to a file under BaseDir and returns its file:// URI,
// which names the file actually written. The file appears atomically once
// fully written.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already moved on success

	final, err := s.place(tmp.Name(), fullPath)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(final)}).String(), nil
}

// place moves tmp to fullPath. Without overwrite it hard-links to the first
// free "<name>-N<ext>" so an existing file is never replaced.
func (s *BlobStore) place(tmp, fullPath string) (string, error) {
	if s.overwrite {
		if err := os.Rename(tmp, fullPath); err != nil {
			return "", fmt.Errorf("failed to move file into place: %w", err)
		}
		return fullPath, nil
	}
	ext := filepath.Ext(fullPath)
	stem := strings.TrimSuffix(fullPath, ext)
	candidate := fullPath
	for n := 1; n <= maxSuffix; n++ {
		err := os.Link(tmp, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to move file into place: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", filepath.Base(fullPath), maxSuffix)
}

// FilePath converts a URI returned by PutObject back into a filesystem path.
func FilePath(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

func (s *BlobStore) resolve(path string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
