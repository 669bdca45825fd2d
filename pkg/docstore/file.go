package docstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each document as <root>/<key>.json.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, saveErr(root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.root, key+".json")
}

// Load reads the document for key.
func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, loadErr(key, err)
	}
	return b, nil
}

// Save writes to a temp file in the same directory, fsyncs it, renames it over the
// old document and fsyncs the directory.
func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, "."+key+"-*.tmp")
	if err != nil {
		return saveErr(key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return saveErr(key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return saveErr(key, err)
	}
	if err := tmp.Close(); err != nil {
		return saveErr(key, err)
	}
	if err := os.Rename(tmpName, s.pathFor(key)); err != nil {
		return saveErr(key, err)
	}
	if err := syncDir(s.root); err != nil {
		return saveErr(key, err)
	}
	return nil
}

// syncDir fsyncs dir so a completed rename survives a crash.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
