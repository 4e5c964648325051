package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	ready       INTEGER NOT NULL DEFAULT 0,
	seq         INTEGER NOT NULL
)`

// SQLiteStore keeps session records in a key-indexed table, ordered by the
// sequence in which ids were first inserted.
type SQLiteStore struct {
	sqlDB *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) a SQLite session store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir for sqlite db: %w", err)
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	// One writer keeps read-modify-write sequences serialized.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate sqlite db: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, description, ready FROM sessions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Description, &rec.Ready); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Save(ctx context.Context, records []Record) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("store: clear sessions: %w", err)
	}
	for i, rec := range dedupe(records) {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO sessions (id, description, ready, seq) VALUES (?, ?, ?, ?)`,
			rec.ID,
			rec.Description,
			rec.Ready,
			i+1,
		); err != nil {
			return fmt.Errorf("store: insert session %q: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit sessions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (id, description, ready, seq)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sessions))
		 ON CONFLICT(id) DO UPDATE SET
		   description = excluded.description,
		   ready = excluded.ready`,
		rec.ID,
		rec.Description,
		rec.Ready,
	)
	if err != nil {
		return fmt.Errorf("store: upsert session %q: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: remove session %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	var rec Record
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id, description, ready FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Description, &rec.Ready)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get session %q: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
