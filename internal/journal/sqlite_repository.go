package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/dailycrypt/internal/dbx"
)

// timeLayout has a fixed-width fraction so stored values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts the attempt and its restored files in one transaction.
func (r *SQLiteRepository) Record(ctx context.Context, a Attempt) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query :=
			`INSERT INTO rotation_attempts
			 (id, started_at, finished_at, state, previous_date, target_date, snapshot, processed, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := tx.ExecContext(ctx, query,
			a.ID,
			a.StartedAt.UTC().Format(timeLayout),
			a.FinishedAt.UTC().Format(timeLayout),
			a.State, a.PreviousDate, a.Date, a.Snapshot, a.Processed, a.Error)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		for i, path := range a.Restored {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO restored_files (attempt_id, position, path) VALUES (?, ?, ?)`,
				a.ID, i, path)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}

// Recent returns up to limit attempts, newest first.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	query :=
		`SELECT id, started_at, finished_at, state, previous_date, target_date, snapshot, processed, error
		 FROM rotation_attempts
		 ORDER BY started_at DESC
		 LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var started, finished string
		if err := rows.Scan(&a.ID, &started, &finished, &a.State, &a.PreviousDate, &a.Date, &a.Snapshot, &a.Processed, &a.Error); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("db error: %w", err)
		}
		if a.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if a.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("db error: %w", err)
	}
	_ = rows.Close()

	// restored files are read after the attempt cursor is closed; the
	// journal runs on a single connection
	for i := range out {
		restored, err := r.restored(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Restored = restored
	}
	return out, nil
}

func (r *SQLiteRepository) restored(ctx context.Context, attemptID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT path FROM restored_files WHERE attempt_id = ? ORDER BY position`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
