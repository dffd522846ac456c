// Package media stores image bytes on the local filesystem.
package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store writes images under one root directory, one file per memory
// named {memory_id}.{ext}.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("media root path is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save streams image bytes to {root}/{memoryID}.{ext} and returns the
// stored path. An existing file for the memory is overwritten.
func (s *Store) Save(memoryID, ext string, r io.Reader) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	name := memoryID + "." + ext
	if name != filepath.Base(name) {
		return "", fmt.Errorf("invalid media name %q", name)
	}
	path := filepath.Join(s.root, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck
		os.Remove(path) //nolint:errcheck
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close media file: %w", err)
	}
	return path, nil
}

// Read returns the bytes stored at path. The path must point inside the
// root.
func (s *Store) Read(path string) ([]byte, error) {
	if err := s.contained(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	return data, nil
}

// Remove deletes the file at path. A path already gone is not an
// error; a path outside the root is.
func (s *Store) Remove(path string) error {
	if err := s.contained(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove media file: %w", err)
	}
	return nil
}

func (s *Store) contained(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q is outside the media root", path)
	}
	return nil
}

// ExtForMime maps common image MIME types to a file extension.
func ExtForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "bin"
}

// MimeForPath is the inverse, keyed on the stored file's extension.
func MimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}
