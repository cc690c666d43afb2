package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dermalab/derma/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    image_path TEXT,
    summary TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS case_turns (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    is_error INTEGER NOT NULL DEFAULT 0,
    sources_json TEXT,
    FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_case_turns_case_id ON case_turns(case_id);
CREATE INDEX IF NOT EXISTS idx_cases_created_at ON cases(created_at);
`

// Store persists saved cases. The conversation core only ever writes
// snapshots into it; live sessions are in-memory.
type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := defaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

func DefaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".derma"), nil
}

func DefaultImageDir() (string, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "images"), nil
}

func defaultDBPath() (string, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "cases.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCase(ctx context.Context, record *models.CaseRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cases (id, image_path, summary, created_at)
		 VALUES (?, ?, ?, ?)`,
		record.ID, nullString(record.ImagePath), record.Summary, record.CreatedAt)
	if err != nil {
		return err
	}

	// Re-saving a case replaces its turn snapshot wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM case_turns WHERE case_id = ?`, record.ID); err != nil {
		return err
	}

	for i, turn := range record.Turns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO case_turns (id, case_id, position, role, text, timestamp, is_error, sources_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID, record.ID, i, string(turn.Role), turn.Text, turn.Timestamp,
			boolToInt(turn.IsError), nullString(sourcesToJSON(turn.Sources)))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetCase(ctx context.Context, id string) (*models.CaseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, image_path, summary, created_at FROM cases WHERE id = ?`, id)

	record := &models.CaseRecord{}
	var imagePath sql.NullString
	if err := row.Scan(&record.ID, &imagePath, &record.Summary, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.ImagePath = imagePath.String

	turns, err := s.caseTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Turns = turns
	return record, nil
}

func (s *Store) caseTurns(ctx context.Context, caseID string) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, timestamp, is_error, sources_json
		 FROM case_turns WHERE case_id = ? ORDER BY position ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		turn := &models.Turn{}
		var role string
		var isError int
		var sourcesJSON sql.NullString
		if err := rows.Scan(&turn.ID, &role, &turn.Text, &turn.Timestamp, &isError, &sourcesJSON); err != nil {
			return nil, err
		}
		turn.Role = models.Role(role)
		turn.IsError = isError != 0
		turn.Sources = parseSources(sourcesJSON.String)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// ListCases returns saved cases, newest first, without their turn
// snapshots. Use GetCase to load a full conversation.
func (s *Store) ListCases(ctx context.Context) ([]*models.CaseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_path, summary, created_at FROM cases ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.CaseRecord
	for rows.Next() {
		record := &models.CaseRecord{}
		var imagePath sql.NullString
		if err := rows.Scan(&record.ID, &imagePath, &record.Summary, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.ImagePath = imagePath.String
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) DeleteCase(ctx context.Context, id string) error {
	// Turns are removed explicitly: the foreign_keys pragma is
	// per-connection and the pool may hand this statement to a fresh one.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM case_turns WHERE case_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE id = ?`, id)
	return err
}

func (s *Store) CountCases(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&count)
	return count, err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
