package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Sink receives audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// FileLog appends entries to a text file, one per line, and syncs after
// each write.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFile opens (or creates) the log at path in append mode.
func OpenFile(path string) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{f: f}, nil
}

func (l *FileLog) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(e.String() + "\n"); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// PostgresLog inserts entries into the audit_events table.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// EnsureSchema creates audit_events when missing.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id          UUID PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			kind        TEXT NOT NULL,
			subject     TEXT NOT NULL,
			fields      JSONB NOT NULL DEFAULT '{}'::jsonb
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject, occurred_at);
	`)
	if err != nil {
		return fmt.Errorf("create audit_events: %w", err)
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, e Entry) error {
	fields := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		fields[f.Key] = f.Value
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode audit fields: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, kind, subject, fields)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), e.Time.UTC(), string(e.Kind), e.Subject, string(payload))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
