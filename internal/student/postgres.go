package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBackend stores the snapshot as one JSONB row per store name.
type PostgresBackend struct {
	db   *sql.DB
	name string
}

// NewPostgresBackend creates a backend over an open pgx-backed *sql.DB.
func NewPostgresBackend(db *sql.DB, name string) *PostgresBackend {
	if name == "" {
		name = "students"
	}
	return &PostgresBackend{db: db, name: name}
}

// EnsureSchema creates the snapshot table when missing.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS store_snapshots (
			name       TEXT PRIMARY KEY,
			document   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create store_snapshots: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := b.db.QueryRowContext(ctx, `SELECT document FROM store_snapshots WHERE name = $1`, b.name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot %s: %w", b.name, err)
	}
	return doc, nil
}

func (b *PostgresBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO store_snapshots (name, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			document = EXCLUDED.document,
			updated_at = NOW()
	`, b.name, string(data))
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", b.name, err)
	}
	return nil
}
