package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists sessions in a sessions table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore uses db, opened with the "sqlite" driver, and creates the
// schema if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("session: sqlite pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("session: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return decode([]byte(data))
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	expected := sess.Version

	sess.mu.Lock()
	sess.Version = expected + 1
	sess.UpdatedAt = time.Now().UTC()
	sess.mu.Unlock()

	data, err := encode(sess)
	if err != nil {
		sess.Version = expected
		return err
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, version, data, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			sess.ID, sess.Version, string(data), sess.UpdatedAt.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`,
			sess.Version, string(data), sess.UpdatedAt.UnixNano(), sess.ID, expected)
	}
	if err != nil {
		sess.Version = expected
		return fmt.Errorf("session: save %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		sess.Version = expected
		return err
	}
	if n == 0 {
		sess.Version = expected
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sess, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
