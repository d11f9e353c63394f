package chain

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// FileStore is a Store persisted as a JSON object keyed by unit id.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	heads map[string]Head
	clock func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	return NewFileStoreWithClock(path, time.Now)
}

func NewFileStoreWithClock(path string, clock func() time.Time) (*FileStore, error) {
	fs := &FileStore{
		path:  path,
		heads: make(map[string]Head),
		clock: clock,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read chain file")
	}
	if err := json.Unmarshal(b, &f.heads); err != nil {
		return errors.Wrap(err, "decode chain file")
	}
	return nil
}

func (f *FileStore) save() error {
	b, err := json.MarshalIndent(f.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return errors.Wrap(err, "write chain file")
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Head(_ context.Context, unit string) (Head, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if h, ok := f.heads[unit]; ok {
		return h, nil
	}
	return Genesis, nil
}

func (f *FileStore) Advance(_ context.Context, unit string, prev, next Head) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.heads[unit]
	if !ok {
		cur = Genesis
	}
	if !sameLink(cur, prev) {
		return staleHead(unit, prev, cur)
	}

	next.UpdatedAt = f.clock()
	f.heads[unit] = next
	if err := f.save(); err != nil {
		f.heads[unit] = cur
		return err
	}
	return nil
}
