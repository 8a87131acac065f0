// Package persistence provides SQLite-backed session and call history so
// operators can see what the bridge did after sessions end.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t the way the store writes timestamps.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// SessionRecord is one gateway process lifetime.
type SessionRecord struct {
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
	Transport  string `json:"transport"`
	PID        int    `json:"pid"`
	CreatedAt  string `json:"createdAt"` // RFC 3339
	EndedAt    string `json:"endedAt,omitempty"`
	EndReason  string `json:"endReason,omitempty"`
	Calls      int64  `json:"calls"`
}

// CallRecord is one tool invocation through the HTTP adapter.
type CallRecord struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"sessionId"`
	Tool       string `json:"tool"`
	Status     int    `json:"status"`
	ErrorKind  string `json:"errorKind,omitempty"`
	DurationMs int64  `json:"durationMs"`
	StartedAt  string `json:"startedAt"` // RFC 3339
}

// Store provides persistent history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path. ":memory:"
// opens a private in-memory database.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath)
	if dbPath == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			instance_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			transport TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			ended_at TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			calls INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id);
	`)
	return err
}

// migrateV2 creates the calls table.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			status INTEGER NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_session ON calls(session_id, id);
	`)
	return err
}

// InsertSession records a newly spawned process.
func (s *Store) InsertSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(timeFormat)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (instance_id, session_id, transport, pid, created_at, ended_at, end_reason, calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.SessionID, rec.Transport, rec.PID, rec.CreatedAt, rec.EndedAt, rec.EndReason, rec.Calls,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession marks a process lifetime as finished.
func (s *Store) EndSession(instanceID, reason string, calls int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE sessions SET ended_at = ?, end_reason = ?, calls = ? WHERE instance_id = ?",
		time.Now().UTC().Format(timeFormat), reason, calls, instanceID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ListSessions returns the most recent session records, newest first.
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT instance_id, session_id, transport, pid, created_at, ended_at, end_reason, calls
		FROM sessions ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.InstanceID, &r.SessionID, &r.Transport, &r.PID, &r.CreatedAt, &r.EndedAt, &r.EndReason, &r.Calls); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	if out == nil {
		out = []SessionRecord{}
	}
	return out, nil
}

// RecordCall appends one tool invocation and returns its row id.
func (s *Store) RecordCall(rec CallRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.StartedAt == "" {
		rec.StartedAt = time.Now().UTC().Format(timeFormat)
	}

	res, err := s.db.Exec(
		`INSERT INTO calls (session_id, tool, status, error_kind, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Tool, rec.Status, rec.ErrorKind, rec.DurationMs, rec.StartedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record call id: %w", err)
	}
	return id, nil
}

// ListCalls returns a session's calls, newest first.
func (s *Store) ListCalls(sessionID string, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, tool, status, error_kind, duration_ms, started_at
		FROM calls WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Tool, &c.Status, &c.ErrorKind, &c.DurationMs, &c.StartedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}

	if out == nil {
		out = []CallRecord{}
	}
	return out, nil
}

// PruneCalls deletes calls started before cutoff and reports how many were
// removed.
func (s *Store) PruneCalls(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM calls WHERE started_at < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune calls count: %w", err)
	}
	return n, nil
}
