// Package store persists operational server state in an embedded SQLite
// database: a settings key/value table and an audit log of session
// lifecycle events. Realtime state (sessions, rooms, reliability tracking)
// is deliberately never persisted.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSettingNotFound is returned when no value exists for a settings key.
var ErrSettingNotFound = errors.New("setting not found")

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	conn_id INTEGER NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_audit_conn ON audit_log(conn_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SetSetting writes one settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("settings key is required")
	}
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetSetting reads one settings key; missing keys fail with
// ErrSettingNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// Settings returns every settings key/value pair.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// AuditRow is one persisted session lifecycle event.
type AuditRow struct {
	ID         string
	ConnID     uint64
	Event      string
	Detail     string
	RemoteAddr string
	CreatedAt  time.Time
}

// InsertAudit records one session lifecycle event.
func (s *Store) InsertAudit(ctx context.Context, connID uint64, event, detail, remoteAddr string) error {
	if strings.TrimSpace(event) == "" {
		return fmt.Errorf("audit event is required")
	}
	const q = `INSERT INTO audit_log (id, conn_id, event, detail, remote_addr, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		uuid.NewString(), int64(connID), event, detail, remoteAddr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// RecentAudit returns the most recent audit events, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, conn_id, event, detail, remote_addr, created_at_unix_ms
FROM audit_log
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			r      AuditRow
			connID int64
			ms     int64
		)
		if err := rows.Scan(&r.ID, &connID, &r.Event, &r.Detail, &r.RemoteAddr, &ms); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		r.ConnID = uint64(connID)
		r.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditCount returns the total number of audit events.
func (s *Store) AuditCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// PurgeAuditBefore deletes audit events older than cutoff and reports how
// many were removed.
func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
