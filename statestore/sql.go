package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name   string
	schema []string
	upsert string
	// placeholder returns the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS flow_states (
			flow_id    TEXT PRIMARY KEY,
			flow_name  TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_states_name ON flow_states(flow_name, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_states_status ON flow_states(status, updated_at)`,
	},
	upsert: `INSERT INTO flow_states (flow_id, flow_name, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			flow_name = excluded.flow_name,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
	placeholder: func(int) string { return "?" },
}

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS flow_states (
			flow_id    TEXT PRIMARY KEY,
			flow_name  TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_states_name ON flow_states(flow_name, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_states_status ON flow_states(status, updated_at)`,
	},
	upsert: `INSERT INTO flow_states (flow_id, flow_name, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flow_id) DO UPDATE SET
			flow_name = EXCLUDED.flow_name,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
}

// SQLStore persists states in a flow_states table. The whole state is kept
// as JSON in the data column; name, status and timestamps are duplicated
// into columns for filtering.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	closed atomic.Bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore uses db, opened with the "sqlite" driver from
// modernc.org/sqlite, and creates the schema if needed. The store takes
// ownership of db.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}

// NewPostgresStore uses db, opened with the "pgx" driver, and creates the
// schema if needed. The store takes ownership of db.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("statestore: %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{db: db, d: d}, nil
}

func (s *SQLStore) Save(ctx context.Context, st *FlowState) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	touch(st)
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("statestore: encode %s: %w", st.FlowID, err)
	}
	_, err = s.db.ExecContext(ctx, s.d.upsert,
		st.FlowID, st.FlowName, string(st.Status), string(data),
		st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("statestore: save %s: %w", st.FlowID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, flowID string) (*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM flow_states WHERE flow_id = `+s.d.placeholder(1), flowID)

	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("statestore: load %s: %w", flowID, err)
	}
	return decodeState([]byte(data))
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*FlowState, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var (
		where []string
		args  []any
	)
	if f.FlowName != "" {
		args = append(args, f.FlowName)
		where = append(where, "flow_name = "+s.d.placeholder(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = "+s.d.placeholder(len(args)))
	}

	q := `SELECT data FROM flow_states`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + s.d.placeholder(len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}
	defer rows.Close()

	var out []*FlowState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		st, err := decodeState([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, flowID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM flow_states WHERE flow_id = `+s.d.placeholder(1), flowID)
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", flowID, err)
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

func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// pingTimeout bounds the connectivity check in Open.
const pingTimeout = 5 * time.Second
