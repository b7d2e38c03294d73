package grove

import (
	"context"
	"fmt"

	"github.com/go-grove/grove/cache"
)

// Begin opens a transaction and returns a handle scoped to it. The
// configured executor must support transactions. While the transaction
// is open, cache invalidations are staged and reads of tables written
// inside it bypass the shared cache, so other requests never observe
// uncommitted state.
func (db *DB) Begin(ctx context.Context) (*DB, error) {
	if db.tx != nil {
		return nil, fmt.Errorf("%w: transaction already open", ErrInvalidTransaction)
	}
	beginner, ok := db.executor.(Beginner)
	if !ok {
		return nil, fmt.Errorf("%w: executor does not support transactions", ErrInvalidTransaction)
	}

	tx, err := beginner.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	scoped := *db
	scoped.tx = tx
	if base, ok := db.cache.(*cache.Cache); ok {
		scoped.staged = cache.NewStaged(base)
		scoped.cache = scoped.staged
	}
	return &scoped, nil
}

// Commit commits the transaction, then promotes the staged cache work:
// invalidations land first and entries read during the transaction fill
// the shared cache after them.
func (db *DB) Commit(ctx context.Context) error {
	if db.tx == nil {
		return fmt.Errorf("%w: no transaction open", ErrInvalidTransaction)
	}
	if err := db.tx.Commit(); err != nil {
		if db.staged != nil {
			db.staged.Discard()
		}
		return err
	}
	if db.staged != nil {
		db.staged.Promote(ctx)
	}
	return nil
}

// Rollback aborts the transaction and discards all staged cache work.
func (db *DB) Rollback() error {
	if db.tx == nil {
		return fmt.Errorf("%w: no transaction open", ErrInvalidTransaction)
	}
	err := db.tx.Rollback()
	if db.staged != nil {
		db.staged.Discard()
	}
	return err
}

// Transaction runs fn inside a transaction, committing when it returns
// nil and rolling back when it returns an error or panics. The panic is
// re-raised after the rollback.
func (db *DB) Transaction(ctx context.Context, fn func(tx *DB) error) (err error) {
	panicked := true

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if panicked || err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err == nil {
		panicked = false
		err = tx.Commit(ctx)
	}
	return
}
