package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"hypoline/internal/domain"
)

// LoadCases returns every stored case ordered by id.
func (r Repo) LoadCases(ctx context.Context) ([]domain.Case, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_json FROM cases ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var (
			id      int
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var c domain.Case
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("decode case %d: %w", id, err)
		}
		c.ID = id
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetCase reads one case straight from the database.
func (r Repo) GetCase(ctx context.Context, id int) (domain.Case, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT case_json FROM cases WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Case{}, ErrNotFound
	}
	if err != nil {
		return domain.Case{}, err
	}
	var c domain.Case
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return domain.Case{}, fmt.Errorf("decode case %d: %w", id, err)
	}
	return c, nil
}

// SaveCases upserts the given cases in one transaction.
func (r Repo) SaveCases(ctx context.Context, list ...domain.Case) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range list {
		if err := r.upsertCase(ctx, tx, c, now); err != nil {
			return fmt.Errorf("save case %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) upsertCase(ctx context.Context, tx *sql.Tx, c domain.Case, now string) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	exec := r.execer(ctx, tx)
	_, err = exec(`INSERT INTO cases(id,client_name,advisor_name,bank_name,current_stage_index,archived,case_json,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET client_name=excluded.client_name, advisor_name=excluded.advisor_name, bank_name=excluded.bank_name,
current_stage_index=excluded.current_stage_index, archived=excluded.archived, case_json=excluded.case_json, updated_at=excluded.updated_at`,
		c.ID, c.ClientName, c.AdvisorName, c.Bank.Name, c.CurrentStageIndex, c.Archived, string(payload), now)
	return err
}

// DeleteCase removes a case; deleting a missing case is not an error.
func (r Repo) DeleteCase(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	return err
}

// CountCases reports total and archived case counts.
func (r Repo) CountCases(ctx context.Context) (total, archived int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(archived),0) FROM cases`).Scan(&total, &archived)
	return total, archived, err
}
