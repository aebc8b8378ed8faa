package repo

import (
	"context"
	"database/sql"
	"errors"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer runs a statement on the transaction when one is given, else on the pool.
func (r Repo) execer(ctx context.Context, tx *sql.Tx) func(query string, args ...any) (sql.Result, error) {
	return func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
}
