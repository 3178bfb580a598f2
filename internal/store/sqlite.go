package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements DedupStore (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; use ":memory:" for tests.

type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the dedup database at path.
func Open(path string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty dedup store path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, err
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &SQLite{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed(
			message_id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			subject TEXT,
			from_addr TEXT
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) IsDone(ctx context.Context, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed WHERE message_id=?;`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) MarkDone(ctx context.Context, ev ProcessedEvent) error {
	if strings.TrimSpace(ev.MessageID) == "" {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed(message_id, ts, subject, from_addr)
		VALUES(?, ?, ?, ?);`,
		ev.MessageID, ts.Unix(), ev.Subject, ev.From)
	return err
}

func (s *SQLite) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed;`).Scan(&n)
	return n, err
}
