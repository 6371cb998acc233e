// Package sqlite implements store interfaces on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wainbound/internal/store"
)

const defaultListLimit = 50

// DeadLetterStore implements store.DeadLetterStore.
type DeadLetterStore struct {
	db *sql.DB
}

var _ store.DeadLetterStore = (*DeadLetterStore)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(path string) (*DeadLetterStore, error) {
	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single connection: SQLite serialises writers, and :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DeadLetterStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *DeadLetterStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS dead_letters (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id   TEXT NOT NULL UNIQUE,
		sender_id  TEXT NOT NULL,
		channel    TEXT,
		chat_id    TEXT,
		events     INTEGER NOT NULL DEFAULT 0,
		payload    TEXT,
		error      TEXT,
		failed_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_sender ON dead_letters(sender_id, failed_at);
	`)
	return err
}

// Record stores dl. Recording the same batch twice keeps the latest error.
func (s *DeadLetterStore) Record(ctx context.Context, dl store.DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (batch_id, sender_id, channel, chat_id, events, payload, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET error = excluded.error, failed_at = excluded.failed_at`,
		dl.BatchID, dl.SenderID, dl.Channel, dl.ChatID, dl.Events, dl.Payload, dl.Error, dl.FailedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", dl.BatchID, err)
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, sender_id, channel, chat_id, events, payload, error, failed_at
		FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []store.DeadLetter
	for rows.Next() {
		var dl store.DeadLetter
		var channel, chatID, payload, errText sql.NullString
		var failedAt int64
		if err := rows.Scan(&dl.ID, &dl.BatchID, &dl.SenderID, &channel, &chatID, &dl.Events, &payload, &errText, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Channel, dl.ChatID, dl.Payload, dl.Error = channel.String, chatID.String, payload.String, errText.String
		dl.FailedAt = time.UnixMilli(failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *DeadLetterStore) Close() error { return s.db.Close() }
