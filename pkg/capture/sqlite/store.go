package sqlite

import (
	"database/sql"

	"github.com/commatea/ModX-Core/pkg/capture"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements capture.Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite store.
func NewStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS frames (
		id TEXT PRIMARY KEY,
		peer TEXT,
		direction TEXT NOT NULL,
		slave_id INTEGER NOT NULL,
		function_code INTEGER NOT NULL,
		payload BLOB,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save persists a record.
func (s *SQLiteStore) Save(rec *capture.Record) error {
	query := `INSERT INTO frames (id, peer, direction, slave_id, function_code, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, rec.ID, rec.Peer, rec.Direction, rec.SlaveID, rec.FunctionCode, rec.Payload, rec.CreatedAt)
	return err
}

// Recent retrieves the most recent records, newest first.
func (s *SQLiteStore) Recent(limit int) ([]*capture.Record, error) {
	query := `SELECT id, peer, direction, slave_id, function_code, payload, created_at FROM frames ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*capture.Record
	for rows.Next() {
		var rec capture.Record
		if err := rows.Scan(&rec.ID, &rec.Peer, &rec.Direction, &rec.SlaveID, &rec.FunctionCode, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
