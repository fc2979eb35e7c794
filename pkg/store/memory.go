package store

import (
	"context"
	"sync"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// MemoryStore keeps records in a map. Updates are serialized and staged,
// so a failed transaction never touches the map.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[address.Address][]byte
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[address.Address][]byte)}
}

func (s *MemoryStore) get(_ context.Context, key address.Address) ([]byte, error) {
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(readerFunc(s.get))
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	o := newOverlay(s.get)
	if err := fn(o); err != nil {
		return err
	}
	s.apply(o)
	return nil
}

func (s *MemoryStore) apply(o *overlay) {
	for k := range o.deleted {
		delete(s.data, k)
	}
	for k, v := range o.writes {
		s.data[k] = v
	}
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type readerFunc func(ctx context.Context, key address.Address) ([]byte, error)

func (f readerFunc) Get(ctx context.Context, key address.Address) ([]byte, error) {
	return f(ctx, key)
}
