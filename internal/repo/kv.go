package repo

import (
	"context"
	"database/sql"
	"time"
)

// KV is the key-value table holding undo/redo stacks and dispatcher cursors.
type KV struct {
	Repo Repo
}

// Get returns "" for a missing key.
func (k KV) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := k.Repo.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (k KV) Put(ctx context.Context, key, value string) error {
	return k.PutTx(ctx, nil, key, value)
}

// PutTx writes key inside tx when given.
func (k KV) PutTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := k.Repo.execer(ctx, tx)(`INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

func (k KV) Delete(ctx context.Context, key string) error {
	_, err := k.Repo.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

// Keys lists keys starting with prefix.
func (k KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := k.Repo.DB.QueryContext(ctx, `SELECT key FROM kv WHERE substr(key,1,?)=? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		res = append(res, key)
	}
	return res, rows.Err()
}
