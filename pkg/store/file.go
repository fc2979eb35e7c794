package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// FileStore is a MemoryStore persisted to a local JSON snapshot after
// every committed update (for simple single-node durability). The
// snapshot is written to a temporary file and renamed into place, so a
// crash leaves either the old or the new state on disk.
type FileStore struct {
	mem  *MemoryStore
	path string
}

// NewFileStore opens (or starts) the snapshot at path.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{mem: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil // Start empty
	}
	if err != nil {
		return err
	}

	var snapshot map[address.Address][]byte
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("store: parse snapshot %s: %w", f.path, err)
	}
	for k, v := range snapshot {
		f.mem.data[k] = v
	}
	return nil
}

func (f *FileStore) save() error {
	data, err := json.MarshalIndent(f.mem.data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// View implements Store.
func (f *FileStore) View(ctx context.Context, fn func(Reader) error) error {
	return f.mem.View(ctx, fn)
}

// Update implements Store. The snapshot is rewritten before the update
// becomes visible; if the write fails the in-memory state is unchanged.
func (f *FileStore) Update(ctx context.Context, fn func(Tx) error) error {
	m := f.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	o := newOverlay(m.get)
	if err := fn(o); err != nil {
		return err
	}
	if o.empty() {
		return nil
	}

	previous := make(map[address.Address][]byte, len(m.data))
	for k, v := range m.data {
		previous[k] = v
	}
	m.apply(o)
	if err := f.save(); err != nil {
		m.data = previous
		return fmt.Errorf("store: persist snapshot: %w", err)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return f.mem.Close()
}
