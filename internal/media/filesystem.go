package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"labport/internal/transfer"
)

// FileSystemStore keeps media files in a directory tree under root. Keys map directly to
// relative paths:
//
//	<root>/
//	  annotations/<session>/<annotation>/<file>
type FileSystemStore struct {
	root string
}

// Compile-time check that FileSystemStore implements transfer.MediaStore
var _ transfer.MediaStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates the root directory if needed.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving media root: %w", err)
	}
	return &FileSystemStore{root: abs}, nil
}

// Root returns the absolute media root.
func (s *FileSystemStore) Root() string { return s.root }

// path maps a key to a file below root, rejecting keys that would escape it.
func (s *FileSystemStore) path(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid media key %q", key)
	}
	return filepath.Join(s.root, rel), nil
}

func (s *FileSystemStore) Put(_ context.Context, key string, r io.Reader, size int64) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	return writeFile(dest, r, size)
}

func (s *FileSystemStore) Get(_ context.Context, key string, w io.Writer) error {
	src, err := s.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return transfer.Errorf(transfer.CodeFileMissingOnDisk, "media.get", "%s", key)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

func (s *FileSystemStore) Stat(_ context.Context, key string) (int64, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), true, nil
}

// Delete removes the file and then every parent directory it leaves empty, stopping at root.
func (s *FileSystemStore) Delete(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("removing %s: %w", key, err)
	}
	s.pruneEmptyParents(filepath.Dir(p))
	return true, nil
}

func (s *FileSystemStore) pruneEmptyParents(dir string) {
	for dir != s.root && len(dir) > len(s.root) {
		if err := os.Remove(dir); err != nil {
			// Not empty or already gone; either way the walk ends here.
			return
		}
		dir = filepath.Dir(dir)
	}
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
