package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV persists records in SQLite. Versions are enforced inside a
// single write transaction so compare-and-swap stays atomic per key.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLiteKV opens (or creates) the database at path and runs
// migrations.
func OpenSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver is not safe for concurrent writers over
	// multiple connections.
	db.SetMaxOpenConns(1)
	return NewSQLiteKV(db)
}

func NewSQLiteKV(db *sql.DB) (*SQLiteKV, error) {
	s := &SQLiteKV{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteKV) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteKV) Load(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, data FROM records WHERE key = ?`, key)

	var rec Record
	rec.Key = key
	if err := row.Scan(&rec.Version, &rec.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, data []byte) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin cas: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	next := expectedVersion + 1

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (key, version, data, updated_at) VALUES (?, ?, ?, ?)`,
			key, next, data, now)
		if err != nil {
			// Unique constraint means the record already exists.
			return Record{}, ErrVersionMismatch
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE records SET version = ?, data = ?, updated_at = ? WHERE key = ? AND version = ?`,
			next, data, now, key, expectedVersion)
		if err != nil {
			return Record{}, fmt.Errorf("cas %s: %w", key, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Record{}, fmt.Errorf("cas %s: %w", key, err)
		}
		if affected == 0 {
			// Distinguish missing from stale.
			var exists int
			row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE key = ?`, key)
			if err := row.Scan(&exists); err != nil {
				return Record{}, fmt.Errorf("cas %s: %w", key, err)
			}
			if exists == 0 {
				return Record{}, ErrNotFound
			}
			return Record{}, ErrVersionMismatch
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit cas %s: %w", key, err)
	}
	return Record{Key: key, Version: next, Data: append([]byte(nil), data...)}, nil
}

func (s *SQLiteKV) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, version, data FROM records WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteKV) Close() error { return s.db.Close() }
