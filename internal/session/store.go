package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dominican809/humano-watcher/internal/pipeline"
)

// Status of one pipeline kind inside a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the pipeline reached an end state.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Session states.
const (
	StateOpen      = "open"
	StateClosed    = "closed"
	StateAbandoned = "abandoned"
)

// Session groups pipeline executions that belong to the same mail
// delivery batch.
type Session struct {
	ID             string
	CreatedAt      time.Time
	State          string
	ReportSent     bool
	FirstDoneAt    time.Time // zero until the first pipeline finishes
	SIStatus       Status
	ViajerosStatus Status
}

// StatusOf returns the stored status for a kind.
func (s *Session) StatusOf(k pipeline.Kind) Status {
	if k == pipeline.KindSI {
		return s.SIStatus
	}
	return s.ViajerosStatus
}

// Execution is one pipeline run recorded under a session. Subject is
// the originating email subject, kept for traceability in reports.
type Execution struct {
	ID         int64
	SessionID  string
	Kind       pipeline.Kind
	Subject    string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Total      int
	Succeeded  int
	Failed     int
	Excluded   int
	Detail     string
}

// Store persists sessions and their executions in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty session store path")
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
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Store{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_sessions(
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'open',
			report_sent INTEGER NOT NULL DEFAULT 0,
			first_done_at INTEGER NULL,
			si_status TEXT NOT NULL DEFAULT 'pending',
			viajeros_status TEXT NOT NULL DEFAULT 'pending'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON pipeline_sessions(state, created_at);`,
		`CREATE TABLE IF NOT EXISTS pipeline_executions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			success INTEGER NOT NULL,
			total INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			excluded INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON pipeline_executions(session_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, id string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_sessions(session_id, created_at) VALUES(?, ?);`,
		id, createdAt.Unix())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, state, report_sent, first_done_at, si_status, viajeros_status
		FROM pipeline_sessions WHERE session_id=?;`, id)
	return scanSession(row)
}

// FindJoinable returns the newest open session created at or after
// "since" whose slot for the kind is still pending, or nil.
func (s *Store) FindJoinable(ctx context.Context, k pipeline.Kind, since time.Time) (*Session, error) {
	col := kindColumn(k)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT session_id, created_at, state, report_sent, first_done_at, si_status, viajeros_status
		FROM pipeline_sessions
		WHERE state='open' AND report_sent=0 AND created_at>=? AND %s='pending'
		ORDER BY created_at DESC LIMIT 1;`, col), since.Unix())
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// SetStatus updates the kind slot. The first terminal status stamps
// first_done_at, which starts the partner wait clock.
func (s *Store) SetStatus(ctx context.Context, id string, k pipeline.Kind, st Status, now time.Time) error {
	col := kindColumn(k)
	q := fmt.Sprintf(`UPDATE pipeline_sessions SET %s=? WHERE session_id=?;`, col)
	if st.Terminal() {
		q = fmt.Sprintf(`
			UPDATE pipeline_sessions
			SET %s=?, first_done_at=COALESCE(first_done_at, %d)
			WHERE session_id=?;`, col, now.Unix())
	}
	res, err := s.db.ExecContext(ctx, q, string(st), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// MarkReportSent closes the session and claims the report exactly once.
// It returns false when the report was already claimed.
func (s *Store) MarkReportSent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_sessions SET report_sent=1, state='closed'
		WHERE session_id=? AND report_sent=0;`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// OpenCount returns the number of sessions still open.
func (s *Store) OpenCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_sessions WHERE state='open';`).Scan(&n)
	return n, err
}

// Abandon marks a session that will never produce a report.
func (s *Store) Abandon(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_sessions SET state='abandoned' WHERE session_id=? AND state='open';`, id)
	return err
}

// ReconcileStartup abandons sessions left open by a previous run. Their
// watchers are gone, so they can never complete.
func (s *Store) ReconcileStartup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_sessions SET state='abandoned' WHERE state='open';`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) AddExecution(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions(session_id, kind, subject, started_at, finished_at, success, total, succeeded, failed, excluded, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.SessionID, string(e.Kind), e.Subject, e.StartedAt.Unix(), e.FinishedAt.Unix(),
		e.Success, e.Total, e.Succeeded, e.Failed, e.Excluded, e.Detail)
	return err
}

func (s *Store) ExecutionsFor(ctx context.Context, id string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, COALESCE(subject,''), started_at, finished_at, success, total, succeeded, failed, excluded, COALESCE(detail,'')
		FROM pipeline_executions WHERE session_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Execution
	for rows.Next() {
		var e Execution
		var kind string
		var started, finished int64
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Subject, &started, &finished,
			&e.Success, &e.Total, &e.Succeeded, &e.Failed, &e.Excluded, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = pipeline.Kind(kind)
		e.StartedAt = time.Unix(started, 0)
		e.FinishedAt = time.Unix(finished, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func kindColumn(k pipeline.Kind) string {
	if k == pipeline.KindSI {
		return "si_status"
	}
	return "viajeros_status"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var created int64
	var firstDone sql.NullInt64
	var si, via string
	err := row.Scan(&sess.ID, &created, &sess.State, &sess.ReportSent, &firstDone, &si, &via)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(created, 0)
	if firstDone.Valid {
		sess.FirstDoneAt = time.Unix(firstDone.Int64, 0)
	}
	sess.SIStatus = Status(si)
	sess.ViajerosStatus = Status(via)
	return &sess, nil
}
