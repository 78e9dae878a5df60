package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/voice-tutor/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when updating a session that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// dsnPragmas enables WAL, relaxes fsync to WAL-safe NORMAL and waits up to
// 5s on locks, in modernc.org/sqlite DSN syntax.
const dsnPragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	deleteMu sync.Mutex // serializes retention deletes to avoid SQLITE_BUSY storms
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas are applied on every new connection.
	dsn := dbPath + "?" + dsnPragmas
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		mode TEXT NOT NULL,
		transport TEXT NOT NULL,
		model TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		usage_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_room ON sessions(room);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at) WHERE ended_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS status_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_events_session ON status_events(session_id, event_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, room, mode, transport, model, started_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		room = excluded.room,
		mode = excluded.mode,
		transport = excluded.transport,
		model = excluded.model`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Room, string(rec.Mode), rec.Transport, rec.Model, rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession stamps the end time and usage summary of a session.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, endedAt time.Time, usageJSON []byte) error {
	var usage interface{}
	if len(usageJSON) > 0 {
		usage = string(usageJSON)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, usage_json = COALESCE(?, usage_json) WHERE session_id = ?`,
		endedAt.UnixMilli(), usage, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("EndSession affected 0 rows", "session_id", id)
		return ErrSessionNotFound
	}
	return nil
}

const sessionColumns = `session_id, room, mode, transport, model, started_at, ended_at, usage_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	var mode string
	var startedAt int64
	var endedAt sql.NullInt64
	var usage sql.NullString

	if err := row.Scan(&rec.ID, &rec.Room, &mode, &rec.Transport, &rec.Model, &startedAt, &endedAt, &usage); err != nil {
		return nil, err
	}
	rec.Mode = domain.Mode(mode)
	rec.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		rec.EndedAt = &t
	}
	if usage.Valid && usage.String != "" {
		rec.Usage = []byte(usage.String)
	}
	return &rec, nil
}

// GetSession returns a session by id, or nil when it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recently started sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendStatusEvent records a published event and returns its id.
func (s *SQLiteStore) AppendStatusEvent(ctx context.Context, sessionID, topic string, payload []byte) (int64, error) {
	var result sql.Result
	err := retryOnConflict(ctx, "insert status event", func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx,
			`INSERT INTO status_events (session_id, topic, payload, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, topic, string(payload), time.Now().UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert status event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("status event id: %w", err)
	}
	return id, nil
}

// ListStatusEvents returns a session's events with id greater than afterID.
func (s *SQLiteStore) ListStatusEvents(ctx context.Context, sessionID string, afterID int64) ([]*domain.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, topic, payload, created_at
		FROM status_events WHERE session_id = ? AND event_id > ?
		ORDER BY event_id`, sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close status event rows", "error", closeErr)
		}
	}()

	var out []*domain.StoredEvent
	for rows.Next() {
		var ev domain.StoredEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Topic, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan status event row: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status events: %w", err)
	}
	return out, nil
}

// DeleteEndedBefore removes sessions that ended before t, with their events.
// Busy and locked failures are retried with exponential backoff.
func (s *SQLiteStore) DeleteEndedBefore(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := retryOnConflict(ctx, "delete ended sessions", func() error {
		var delErr error
		n, delErr = s.deleteEndedBeforeOnce(ctx, t)
		return delErr
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) deleteEndedBeforeOnce(ctx context.Context, t time.Time) (int64, error) {
	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	threshold := t.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM status_events WHERE session_id IN (
			SELECT session_id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
		)`, threshold); err != nil {
		return 0, fmt.Errorf("delete status events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

// CloseDanglingSessions ends sessions left open by a previous process.
func (s *SQLiteStore) CloseDanglingSessions(ctx context.Context, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL`, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("close dangling sessions: %w", err)
	}
	return result.RowsAffected()
}
