package invoice

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage defines the interface for uploaded file storage
type Storage interface {
	// Save saves a file under dir and returns its relative path
	Save(dir, filename string, data []byte) (string, error)

	// Path resolves a relative path to an absolute one
	Path(rel string) string

	// RemoveAll deletes a directory and everything under it
	RemoveAll(dir string) error
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: abs,
	}, nil
}

// Save saves a file to local storage
func (l *LocalStorage) Save(dir, filename string, data []byte) (string, error) {
	rel := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Join(l.basePath, dir), 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(l.Path(rel), data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return rel, nil
}

// Path returns the absolute location of a stored file
func (l *LocalStorage) Path(rel string) string {
	return filepath.Join(l.basePath, rel)
}

// RemoveAll removes a stored directory
func (l *LocalStorage) RemoveAll(dir string) error {
	if dir == "" || filepath.IsAbs(dir) {
		return fmt.Errorf("invalid storage directory: %q", dir)
	}
	if err := os.RemoveAll(l.Path(dir)); err != nil {
		return fmt.Errorf("deleting directory: %w", err)
	}
	return nil
}
