package store

import (
	"context"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// overlay stages writes on top of a read function. Stores that cannot
// roll back their backing medium buffer a whole transaction here and
// apply it only after the callback succeeds.
type overlay struct {
	read    func(ctx context.Context, key address.Address) ([]byte, error)
	writes  map[address.Address][]byte
	deleted map[address.Address]struct{}
}

func newOverlay(read func(ctx context.Context, key address.Address) ([]byte, error)) *overlay {
	return &overlay{
		read:    read,
		writes:  make(map[address.Address][]byte),
		deleted: make(map[address.Address]struct{}),
	}
}

func (o *overlay) Get(ctx context.Context, key address.Address) ([]byte, error) {
	if _, gone := o.deleted[key]; gone {
		return nil, ErrNotFound
	}
	if v, ok := o.writes[key]; ok {
		return clone(v), nil
	}
	return o.read(ctx, key)
}

func (o *overlay) Put(_ context.Context, key address.Address, value []byte) error {
	delete(o.deleted, key)
	o.writes[key] = clone(value)
	return nil
}

// Insert relies on the surrounding store to serialize transactions (or,
// for Redis, to WATCH the key read here).
func (o *overlay) Insert(ctx context.Context, key address.Address, value []byte) error {
	exists, err := Exists(ctx, o, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}
	return o.Put(ctx, key, value)
}

func (o *overlay) Delete(_ context.Context, key address.Address) error {
	delete(o.writes, key)
	o.deleted[key] = struct{}{}
	return nil
}

func (o *overlay) empty() bool {
	return len(o.writes) == 0 && len(o.deleted) == 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
