package tracing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteTraceStore persists traces as JSON rows.
type SQLiteTraceStore struct {
	db *sql.DB
	// mu serializes the read-merge-write of Save.
	mu sync.Mutex
}

var _ TraceStore = (*SQLiteTraceStore)(nil)

// OpenSQLiteTraceStore opens (or creates) the database at path.
func OpenSQLiteTraceStore(path string) (*SQLiteTraceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tracing: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteTraceStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteTraceStore uses db and creates the schema if needed.
func NewSQLiteTraceStore(db *sql.DB) (*SQLiteTraceStore, error) {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS traces (
			trace_id   TEXT PRIMARY KEY,
			start_time REAL NOT NULL,
			data       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_start ON traces(start_time)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("tracing: sqlite schema: %w", err)
		}
	}
	return &SQLiteTraceStore{db: db}, nil
}

func (s *SQLiteTraceStore) Save(ctx context.Context, t *TraceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := s.Load(ctx, t.TraceID)
	if errors.Is(err, ErrTraceNotFound) {
		merged = &TraceData{TraceID: t.TraceID, Spans: map[string]*SpanData{}}
	} else if err != nil {
		return err
	}
	merged.Merge(t)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("tracing: encode trace %s: %w", t.TraceID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (trace_id, start_time, data) VALUES (?, ?, ?)
		 ON CONFLICT(trace_id) DO UPDATE SET start_time = excluded.start_time, data = excluded.data`,
		merged.TraceID, merged.StartTime, string(data))
	if err != nil {
		return fmt.Errorf("tracing: save trace %s: %w", t.TraceID, err)
	}
	return nil
}

func (s *SQLiteTraceStore) Load(ctx context.Context, traceID string) (*TraceData, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM traces WHERE trace_id = ?`, traceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: load trace %s: %w", traceID, err)
	}
	var t TraceData
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("tracing: decode trace %s: %w", traceID, err)
	}
	return &t, nil
}

// List scans traces newest first; filtering happens after decoding.
func (s *SQLiteTraceStore) List(ctx context.Context, q Query) (*ListResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM traces ORDER BY start_time DESC, trace_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("tracing: list traces: %w", err)
	}
	defer rows.Close()

	var all []*TraceData
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t TraceData
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		all = append(all, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page(all, q)
}

// Close closes the database.
func (s *SQLiteTraceStore) Close() error { return s.db.Close() }
