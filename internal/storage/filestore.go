package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/util"
)

// FileStore keeps the snapshot in one JSON document. A missing file loads
// as an empty store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) (chat.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s chat.Snapshot
	if err := util.ReadJSONFile(f.path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Infof("no data file at %s, starting empty", f.path)
			return chat.Snapshot{}, nil
		}
		return chat.Snapshot{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	return s, nil
}

func (f *FileStore) Save(ctx context.Context, s chat.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return util.WriteJSONFile(f.path, s)
}

// OpenStore picks the persister for a configured driver.
func OpenStore(driver, path string) (chat.Persister, func() error, error) {
	switch driver {
	case "json":
		return NewFileStore(path), func() error { return nil }, nil
	case "sqlite", "":
		db, err := Open(path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
