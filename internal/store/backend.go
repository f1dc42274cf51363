package store

import (
	"context"
	"fmt"

	"canteen/internal/audit"
	"canteen/internal/config"
	"canteen/internal/student"
)

// OpenBackend picks the student snapshot backend named by STORE_BACKEND. The
// returned DB is non-nil whenever Postgres is used for the store or the audit
// log; the caller closes it.
func OpenBackend(ctx context.Context, cfg config.App) (student.Backend, *DB, error) {
	var db *DB
	if cfg.StoreBackend == "postgres" || cfg.AuditPostgres {
		var err error
		if db, err = NewDB(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.StoreBackend {
	case "postgres":
		b := student.NewPostgresBackend(db.Client, cfg.StoreName)
		if err := b.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("student schema: %w", err)
		}
		return b, db, nil
	case "s3":
		client, err := student.NewS3Client(ctx, student.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return student.NewS3Backend(client, cfg.S3Bucket, cfg.StoreName), db, nil
	default:
		return student.NewFileBackend(cfg.StoreFile), db, nil
	}
}

// OpenAudit opens the append-only audit file and, with AUDIT_POSTGRES, mirrors
// entries into the audit_events table.
func OpenAudit(ctx context.Context, cfg config.App, db *DB) (audit.Sink, func() error, error) {
	file, err := audit.OpenFile(cfg.AuditFile)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.AuditPostgres || db == nil {
		return file, file.Close, nil
	}
	pg := audit.NewPostgresLog(db.Client)
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("audit schema: %w", err)
	}
	return audit.Multi{file, pg}, file.Close, nil
}
