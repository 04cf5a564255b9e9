// Package fakedb provides an in-memory db.Database for service tests whose
// repositories are faked separately. It only tracks transactions.
package fakedb

import (
	"context"
	"errors"
	"sync"

	"inloop/internal/common/db"
)

// ErrNoQueries is returned by every query method.
var ErrNoQueries = errors.New("fakedb: queries are not supported")

// Database counts committed and rolled back transactions.
type Database struct {
	mu        sync.Mutex
	nextTx    int
	commits   int
	rollbacks int
}

func New() *Database {
	return &Database{}
}

func (d *Database) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	tx := d.begin()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (d *Database) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	return d.begin(), nil
}

func (d *Database) begin() *Tx {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTx++
	return &Tx{db: d, ID: d.nextTx}
}

// Commits returns the number of committed transactions.
func (d *Database) Commits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

// Rollbacks returns the number of rolled back transactions.
func (d *Database) Rollbacks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks
}

func (d *Database) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, ErrNoQueries
}

func (d *Database) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{}
}

func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, ErrNoQueries
}

func (d *Database) Ping(ctx context.Context) error { return nil }

func (d *Database) Close() error { return nil }

// Tx is a transaction handle. Fake repositories can use ID to stage writes.
type Tx struct {
	db   *Database
	ID   int
	done bool
	undo []func()
}

// OnRollback registers fn to undo a staged write if the transaction is
// rolled back.
func (t *Tx) OnRollback(fn func()) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.undo = append(t.undo, fn)
}

func (t *Tx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.done {
		return errors.New("fakedb: transaction already finished")
	}
	t.done = true
	t.db.commits++
	return nil
}

func (t *Tx) Rollback() error {
	t.db.mu.Lock()
	if t.done {
		t.db.mu.Unlock()
		return nil
	}
	t.done = true
	t.db.rollbacks++
	undo := t.undo
	t.undo = nil
	t.db.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, ErrNoQueries
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return errRow{}
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, ErrNoQueries
}

type errRow struct{}

func (errRow) Scan(dest ...interface{}) error { return ErrNoQueries }
