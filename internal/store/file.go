package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

// FileStore keeps one JSON document per key under <dir>/<campaign>/<source>.json.
// Commits write a temp file in the same directory and rename it over the old one.
type FileStore[T models.Dated] struct {
	dir string
}

func NewFileStore[T models.Dated](dir string) *FileStore[T] {
	return &FileStore[T]{dir: dir}
}

func (s *FileStore[T]) path(key Key) string {
	return filepath.Join(s.dir, key.Campaign, key.Source+".json")
}

func (s *FileStore[T]) Load(_ context.Context, key Key) (*Snapshot[T], error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var snap Snapshot[T]
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &snap, nil
}

func (s *FileStore[T]) Commit(_ context.Context, key Key, records []T) error {
	if err := key.Validate(); err != nil {
		return err
	}
	snap := newSnapshot(records)
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return WriteFileAtomic(s.path(key), b)
}

// WriteFileAtomic replaces path with data so readers never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
