// Package store is the durable, addressable key-value ledger the engine
// runs against.
//
// Every engine operation is one Update: its reads and writes commit
// together or not at all, and Update calls against the same store are
// serialized. Keys are addresses produced by the address package.
package store

import (
	"context"
	"errors"

	"github.com/mfactory-lab/multisig/pkg/address"
)

var (
	// ErrNotFound is returned when no value is stored at a key.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an optimistic transaction kept losing
	// races with concurrent writers.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrExists is returned by Insert when the key already holds a value.
	ErrExists = errors.New("store: key exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Reader reads committed (or, inside Update, staged) values.
type Reader interface {
	// Get returns a copy of the value at key or ErrNotFound.
	Get(ctx context.Context, key address.Address) ([]byte, error)
}

// Tx is a read-write view used inside Update. Writes are visible to later
// reads in the same transaction and to nobody else until commit.
type Tx interface {
	Reader
	Put(ctx context.Context, key address.Address, value []byte) error
	// Insert stores value only if key is empty and returns ErrExists
	// otherwise, including when a concurrent transaction created the key
	// first.
	Insert(ctx context.Context, key address.Address, value []byte) error
	Delete(ctx context.Context, key address.Address) error
}

// Store is a transactional key-value ledger.
type Store interface {
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Reader) error) error

	// Update runs fn in a read-write transaction and commits only if fn
	// returns nil. A non-nil error discards every write fn made. fn may be
	// invoked more than once by optimistic implementations, so it must not
	// have side effects outside the transaction.
	Update(ctx context.Context, fn func(Tx) error) error

	// Close releases the underlying resources.
	Close() error
}

// Exists reports whether a value is stored at key.
func Exists(ctx context.Context, r Reader, key address.Address) (bool, error) {
	_, err := r.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
