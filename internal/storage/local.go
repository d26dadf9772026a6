package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on a plain directory tree.
type LocalStore struct {
	root string
}

// NewLocalStore builds a Store rooted at dir.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: abs}, nil
}

// resolve maps an object key to an absolute path under the root. Keys are
// server generated, but the prefix is still re-checked after cleaning.
func (s *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	full := filepath.Join(s.root, clean)
	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return full, nil
}

// PutObject streams a blob to a temp file and renames it into place.
func (s *LocalStore) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: got %d bytes, want %d", written, size)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, full)
}

// PutFile moves an assembled local file into place. Rename first; fall back
// to a copy when the source sits on another filesystem.
func (s *LocalStore) PutFile(ctx context.Context, key, localPath string, opts PutOptions) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.Rename(localPath, full); err == nil {
		return nil
	}
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := s.PutObject(ctx, key, src, -1, opts); err != nil {
		return err
	}
	if err := os.Remove(localPath); err != nil {
		log.Printf("local store: remove source %s failed: %v", localPath, err)
	}
	return nil
}

// GetObject opens a blob for reading.
func (s *LocalStore) GetObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, err
	}
	return f, ObjectInfo{ObjectKey: key, Size: stat.Size()}, nil
}

// RemoveObject deletes a blob.
func (s *LocalStore) RemoveObject(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
