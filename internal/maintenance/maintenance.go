// Package maintenance holds the housekeeping jobs run outside the API
// process: snapshot backups and their retention, orphan image cleanup,
// snapshot rewrite, health reporting and audit reconciliation.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"canteen/internal/audit"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/student"
)

const backupPrefix = "students_backup_"

// Options configures a Maintainer.
type Options struct {
	BackupDir       string
	BackupRetention time.Duration
	MaxSnapshotSize int64
}

// Maintainer runs jobs against one store and image library.
type Maintainer struct {
	backend student.Backend
	store   *student.Store
	images  *images.Library
	opts    Options
	log     logging.Logger
	now     func() time.Time
}

func New(backend student.Backend, store *student.Store, lib *images.Library, opts Options, log logging.Logger) *Maintainer {
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = 30 * 24 * time.Hour
	}
	return &Maintainer{backend: backend, store: store, images: lib, opts: opts, log: log, now: time.Now}
}

// Backup copies the current snapshot into the backup directory.
func (m *Maintainer) Backup(ctx context.Context) (string, error) {
	data, err := m.backend.Read(ctx)
	if err != nil {
		if errors.Is(err, student.ErrNoSnapshot) {
			return "", fmt.Errorf("backup: nothing to back up")
		}
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := os.MkdirAll(m.opts.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create dir: %w", err)
	}
	name := backupPrefix + m.now().Format("20060102_150405") + ".json"
	path := filepath.Join(m.opts.BackupDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	m.log.Info(ctx, "backup written", "path", path, "bytes", len(data))
	return path, nil
}

func (m *Maintainer) backups() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(m.opts.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []os.DirEntry
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e)
		}
	}
	return out, nil
}

// CleanupBackups deletes backups older than the retention period and
// returns their names.
func (m *Maintainer) CleanupBackups(ctx context.Context) ([]string, error) {
	entries, err := m.backups()
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	cutoff := m.now().Add(-m.opts.BackupRetention)
	var removed []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(m.opts.BackupDir, e.Name())); err != nil {
				m.log.Warn(ctx, "remove old backup", "backup", e.Name(), "error", err)
				continue
			}
			removed = append(removed, e.Name())
		}
	}
	sort.Strings(removed)
	m.log.Info(ctx, "old backups removed", "count", len(removed))
	return removed, nil
}

func (m *Maintainer) referencedImages() map[string]bool {
	refs := make(map[string]bool)
	for _, r := range m.store.List() {
		if r.ImagePath != "" {
			refs[filepath.Base(r.ImagePath)] = true
		}
	}
	return refs
}

func (m *Maintainer) orphans(ctx context.Context) ([]string, error) {
	names, err := m.images.Images(ctx)
	if err != nil {
		return nil, err
	}
	refs := m.referencedImages()
	var out []string
	for _, n := range names {
		if !refs[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// CleanupOrphanImages deletes library images no record points to. It refuses
// to run when no snapshot exists, since every image would look orphaned.
func (m *Maintainer) CleanupOrphanImages(ctx context.Context) ([]string, error) {
	if _, err := m.backend.Read(ctx); err != nil {
		return nil, fmt.Errorf("cleanup images: %w", err)
	}
	orphans, err := m.orphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var removed []string
	for _, n := range orphans {
		if err := m.images.Delete(n); err != nil {
			m.log.Warn(ctx, "remove orphan image", "image", n, "error", err)
			continue
		}
		removed = append(removed, n)
	}
	m.log.Info(ctx, "orphan images removed", "count", len(removed))
	return removed, nil
}

// Optimize rewrites the snapshot from the loaded records, dropping unknown
// fields, and returns the sizes before and after.
func (m *Maintainer) Optimize(ctx context.Context) (before, after int, err error) {
	if data, err := m.backend.Read(ctx); err == nil {
		before = len(data)
	}
	if err := m.store.Persist(ctx); err != nil {
		return before, 0, fmt.Errorf("optimize: %w", err)
	}
	data, err := m.backend.Read(ctx)
	if err != nil {
		return before, 0, fmt.Errorf("optimize: %w", err)
	}
	m.log.Info(ctx, "snapshot rewritten", "before", before, "after", len(data))
	return before, len(data), nil
}

// Report summarizes the state of the deployment.
type Report struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	SnapshotBytes int           `json:"snapshot_bytes"`
	Stats         student.Stats `json:"stats"`
	Images        int           `json:"images"`
	OrphanImages  int           `json:"orphan_images"`
	MissingImages []string      `json:"missing_images,omitempty"`
	Backups       int           `json:"backups"`
	Issues        []string      `json:"issues,omitempty"`
}

// Healthy reports whether no issue was found.
func (r Report) Healthy() bool { return len(r.Issues) == 0 }

// Health collects a Report.
func (m *Maintainer) Health(ctx context.Context) (Report, error) {
	rep := Report{GeneratedAt: m.now().UTC(), Stats: m.store.Stats()}

	data, err := m.backend.Read(ctx)
	switch {
	case err == nil:
		rep.SnapshotBytes = len(data)
	case errors.Is(err, student.ErrNoSnapshot):
		rep.Issues = append(rep.Issues, "no snapshot has been written")
	default:
		rep.Issues = append(rep.Issues, fmt.Sprintf("snapshot unreadable: %v", err))
	}
	if m.opts.MaxSnapshotSize > 0 && int64(rep.SnapshotBytes) > m.opts.MaxSnapshotSize {
		rep.Issues = append(rep.Issues, fmt.Sprintf("snapshot is %d bytes, limit %d", rep.SnapshotBytes, m.opts.MaxSnapshotSize))
	}

	names, err := m.images.Images(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list images: %w", err)
	}
	rep.Images = len(names)
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	refs := m.referencedImages()
	for n := range present {
		if !refs[n] {
			rep.OrphanImages++
		}
	}
	for _, r := range m.store.List() {
		if r.ImagePath != "" && !present[filepath.Base(r.ImagePath)] {
			rep.MissingImages = append(rep.MissingImages, r.ID)
		}
	}
	if len(rep.MissingImages) > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d students have no enrollment image", len(rep.MissingImages)))
	}

	backups, err := m.backups()
	if err != nil {
		return Report{}, fmt.Errorf("list backups: %w", err)
	}
	rep.Backups = len(backups)
	if rep.Backups == 0 {
		rep.Issues = append(rep.Issues, "no backups found")
	}
	return rep, nil
}

// Mismatch is a student whose stored balance differs from the audit replay.
type Mismatch struct {
	StudentID string           `json:"student_id"`
	Stored    *decimal.Decimal `json:"stored"`
	Replayed  *decimal.Decimal `json:"replayed"`
}

// Reconcile replays the audit log from r and compares it with the store.
func (m *Maintainer) Reconcile(ctx context.Context, r io.Reader) ([]Mismatch, error) {
	entries, err := audit.ReadAll(r)
	if err != nil {
		return nil, err
	}
	replayed, err := audit.Replay(entries)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	seen := make(map[string]bool)
	for _, rec := range m.store.List() {
		seen[rec.ID] = true
		stored := rec.Balance
		want, ok := replayed[rec.ID]
		switch {
		case !ok:
			out = append(out, Mismatch{StudentID: rec.ID, Stored: &stored})
		case !want.Equal(stored):
			out = append(out, Mismatch{StudentID: rec.ID, Stored: &stored, Replayed: &want})
		}
	}
	for id, bal := range replayed {
		if !seen[id] {
			out = append(out, Mismatch{StudentID: id, Replayed: &bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	m.log.Info(ctx, "reconcile finished", "entries", len(entries), "mismatches", len(out))
	return out, nil
}
