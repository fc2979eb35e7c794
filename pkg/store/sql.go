package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mfactory-lab/multisig/pkg/address"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// BlobType is the column type for record values.
	BlobType string
	// LockClause is appended to reads inside Update to take a row lock.
	LockClause string
}

var (
	// SQLite serializes writers itself; row locks are not needed.
	SQLite = Dialect{
		Name:        "sqlite",
		Placeholder: func(int) string { return "?" },
		BlobType:    "BLOB",
	}
	// Postgres takes row locks on every record read by a transaction so
	// concurrent operations on the same identity queue up. Row locks do
	// not cover keys that do not exist yet; new records go through Insert.
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		BlobType:    "BYTEA",
		LockClause:  " FOR UPDATE",
	}
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps an open database. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock used for updated_at.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Init creates the records table.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS multisig_records (
	key TEXT PRIMARY KEY,
	value %s NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`, s.dialect.BlobType)
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) p(n int) string {
	return s.dialect.Placeholder(n)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryer, key address.Address, lock bool) ([]byte, error) {
	query := `SELECT value FROM multisig_records WHERE key = ` + s.p(1)
	if lock {
		query += s.dialect.LockClause
	}

	var value []byte
	err := q.QueryRowContext(ctx, query, key.String()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// View implements Store.
func (s *SQLStore) View(ctx context.Context, fn func(Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(readerFunc(func(ctx context.Context, key address.Address) ([]byte, error) {
		return s.get(ctx, tx, key, false)
	}))
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqlTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	committed = true
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

func (t *sqlTx) Get(ctx context.Context, key address.Address) ([]byte, error) {
	return t.store.get(ctx, t.tx, key, true)
}

func (t *sqlTx) Put(ctx context.Context, key address.Address, value []byte) error {
	p := t.store.p
	query := strings.Join([]string{
		`INSERT INTO multisig_records (key, value, updated_at) VALUES (`, p(1), `, `, p(2), `, `, p(3), `)`,
		` ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	}, "")
	if _, err := t.tx.ExecContext(ctx, query, key.String(), value, t.store.clock().UTC()); err != nil {
		return fmt.Errorf("store: put %s: %w", key.Short(), err)
	}
	return nil
}

// Insert never overwrites. A row committed by a concurrent transaction
// after this one read the key still makes the insert affect zero rows.
func (t *sqlTx) Insert(ctx context.Context, key address.Address, value []byte) error {
	p := t.store.p
	query := strings.Join([]string{
		`INSERT INTO multisig_records (key, value, updated_at) VALUES (`, p(1), `, `, p(2), `, `, p(3), `)`,
		` ON CONFLICT (key) DO NOTHING`,
	}, "")
	res, err := t.tx.ExecContext(ctx, query, key.String(), value, t.store.clock().UTC())
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", key.Short(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", key.Short(), err)
	}
	if n != 1 {
		return ErrExists
	}
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, key address.Address) error {
	query := `DELETE FROM multisig_records WHERE key = ` + t.store.p(1)
	if _, err := t.tx.ExecContext(ctx, query, key.String()); err != nil {
		return fmt.Errorf("store: delete %s: %w", key.Short(), err)
	}
	return nil
}
