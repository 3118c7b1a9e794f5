package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const fileSuffix = ".json"

var _ Store = (*FileStore)(nil)

// FileStore keeps one file per key under a directory. An optional quota on
// the total size of all values turns oversized writes into ErrStorageFull.
type FileStore struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
}

// NewFileStore creates dir if needed. An empty dir defaults to
// ~/.smart-trainer/state.
func NewFileStore(dir string, maxBytes int64) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".smart-trainer", "state")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory holding the values
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 {
		used, err := s.usedBytesExcept(key)
		if err != nil {
			return err
		}
		if used+int64(len(value)) > s.maxBytes {
			return fmt.Errorf("write %s (%d bytes, %d of %d used): %w", key, len(value), used, s.maxBytes, ErrStorageFull)
		}
	}

	// Write to a temp file and rename so a crash never leaves a torn value
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return mapWriteError(key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapWriteError(key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapWriteError(key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return mapWriteError(key, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileSuffix)
}

func (s *FileStore) usedBytesExcept(key string) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read store dir: %w", err)
	}
	skip := filepath.Base(s.path(key))
	var used int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == skip || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		used += info.Size()
	}
	return used, nil
}

func mapWriteError(key string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("write %s: %v: %w", key, err, ErrStorageFull)
	}
	return fmt.Errorf("write %s: %w", key, err)
}
