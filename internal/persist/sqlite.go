package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rotoshake/imagecanvas/internal/op"
)

// SQLiteStore is the embedded reference implementation of Store.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers (full-sync, catch-up reads) off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS canvases (
		project_id    TEXT PRIMARY KEY,
		canvas_data   BLOB NOT NULL,
		version       INTEGER NOT NULL,
		last_modified TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS operations (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		type            TEXT NOT NULL,
		params          BLOB NOT NULL,
		sequence_number INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_operations_project_seq
		ON operations(project_id, sequence_number);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddOperation implements Store.
func (s *SQLiteStore) AddOperation(ctx context.Context, projectID, userID, opType string, params op.Params, seq int64) error {
	data, err := EncodeParams(params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (project_id, user_id, type, params, sequence_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, userID, opType, data, seq, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append operation log row: %w", err)
	}
	return nil
}

// GetOperations implements Store.
func (s *SQLiteStore) GetOperations(ctx context.Context, projectID string, afterSeq int64) ([]OperationRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, type, params, sequence_number, created_at
		 FROM operations WHERE project_id = ? AND sequence_number > ?
		 ORDER BY sequence_number`,
		projectID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation log: %w", err)
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		var data []byte
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.UserID, &r.Type, &data, &r.SequenceNumber, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		if r.Params, err = DecodeParams(data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateCanvas implements Store.
func (s *SQLiteStore) UpdateCanvas(ctx context.Context, projectID string, canvasData []byte, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canvases (project_id, canvas_data, version, last_modified)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			canvas_data = excluded.canvas_data,
			version = excluded.version,
			last_modified = excluded.last_modified`,
		projectID, canvasData, version, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to persist canvas: %w", err)
	}
	return nil
}

// GetCanvas implements Store.
func (s *SQLiteStore) GetCanvas(ctx context.Context, projectID string) ([]byte, int64, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT canvas_data, version FROM canvases WHERE project_id = ?`,
		projectID).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load canvas: %w", err)
	}
	return data, version, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
