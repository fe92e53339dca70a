package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// TemporaryStore gives access to the local copies of ingested files. Relative paths resolve against the root.
type TemporaryStore struct {
	fs   afero.Fs
	root string
}

func NewTemporaryStore(fs afero.Fs, root string) *TemporaryStore {
	return &TemporaryStore{fs: fs, root: root}
}

// NewOsTemporaryStore is a TemporaryStore on the host file system.
func NewOsTemporaryStore(root string) (*TemporaryStore, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temporary path %s: %w", root, err)
	}
	return NewTemporaryStore(fs, root), nil
}

func (s *TemporaryStore) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

// Open returns the file and its size. The caller closes the file.
func (s *TemporaryStore) Open(path string) (afero.File, int64, error) {
	f, err := s.fs.Open(s.resolve(path))
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}

// Save writes r to path and returns the resolved location.
func (s *TemporaryStore) Save(path string, r io.Reader) (string, error) {
	target := s.resolve(path)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := s.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return target, nil
}

// Remove deletes the file. Missing files are not an error.
func (s *TemporaryStore) Remove(path string) error {
	err := s.fs.Remove(s.resolve(path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *TemporaryStore) Exists(path string) (bool, error) {
	return afero.Exists(s.fs, s.resolve(path))
}
