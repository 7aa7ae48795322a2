// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists drafts with automatic schema creation and WAL mode

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/convosync/internal/message"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed; ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS drafts (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			direction       TEXT NOT NULL,
			content         TEXT NOT NULL,
			author_id       TEXT,
			timestamp       TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_drafts_conversation
			ON drafts(conversation_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveDraft inserts or replaces a draft keyed by message id.
func (s *SQLiteStore) SaveDraft(ctx context.Context, d Draft) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO drafts (id, conversation_id, direction, content, author_id, timestamp, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	m := d.Message
	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		string(m.Direction),
		m.Content,
		nullString(m.AuthorID),
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		d.Attempts,
		nullString(d.LastError),
		d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving draft %s: %w", m.ID, err)
	}
	return nil
}

// GetDraft retrieves a draft by message id.
// Returns ErrNotFound if the draft doesn't exist.
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	query := `
		SELECT id, conversation_id, direction, content, author_id, timestamp, attempts, last_error, updated_at
		FROM drafts
		WHERE id = ?
	`
	d, err := scanDraft(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying draft: %w", err)
	}
	return d, nil
}

// DeleteDraft removes a draft by message id.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting draft %s: %w", id, err)
	}
	return nil
}

// ListDrafts returns the drafts of one conversation ordered by message timestamp.
func (s *SQLiteStore) ListDrafts(ctx context.Context, conversationID string) ([]*Draft, error) {
	query := `
		SELECT id, conversation_id, direction, content, author_id, timestamp, attempts, last_error, updated_at
		FROM drafts
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning draft: %w", err)
		}
		drafts = append(drafts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drafts: %w", err)
	}
	return drafts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(row scanner) (*Draft, error) {
	var (
		d                      Draft
		direction, ts, updated string
		authorID, lastError    sql.NullString
	)
	err := row.Scan(
		&d.Message.ID,
		&d.Message.ConversationID,
		&direction,
		&d.Message.Content,
		&authorID,
		&ts,
		&d.Attempts,
		&lastError,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	d.Message.Direction = message.Direction(direction)
	d.Message.AuthorID = authorID.String
	d.Message.Status = message.StatusFailed
	d.LastError = lastError.String

	if d.Message.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
