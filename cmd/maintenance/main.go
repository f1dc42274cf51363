// Command canteen-maint runs housekeeping jobs against the student store,
// image library and audit log.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"canteen/internal/auth"
	"canteen/internal/config"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/maintenance"
	"canteen/internal/store"
	"canteen/internal/student"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "canteen-maint",
		Short: "Housekeeping for the canteen access service",
		Long: `canteen-maint backs up the student snapshot, prunes old backups and
orphaned enrollment images, rewrites the snapshot, reports deployment health
and reconciles stored balances against the audit log.

Configuration comes from the same environment variables (and .env file) as
the API server.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		backupCmd(),
		cleanupBackupsCmd(),
		cleanupImagesCmd(),
		optimizeCmd(),
		healthCmd(),
		reconcileCmd(),
		hashPasswordCmd(),
		allCmd(),
	)
	return root
}

// env is what every job needs, opened from configuration.
type env struct {
	m     *maintenance.Maintainer
	cfg   config.App
	close func()
}

func open(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, false)

	backend, db, err := store.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Jobs must not run against an empty stand-in for an unreadable store.
	st, err := student.Load(ctx, backend, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load student store: %w", err)
	}
	m := maintenance.New(backend, st, images.NewLibrary(cfg.ImagesDir), maintenance.Options{
		BackupDir:       cfg.BackupDir,
		BackupRetention: cfg.BackupRetention,
		MaxSnapshotSize: cfg.StoreMaxSize,
	}, logger)
	return &env{m: m, cfg: cfg, close: func() { _ = db.Close() }}, nil
}

// job wraps a maintenance step as a RunE.
func job(fn func(ctx context.Context, e *env, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, e, cmd.OutOrStdout())
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the current snapshot into the backup directory",
		Args:  cobra.NoArgs,
		RunE:  job(runBackup),
	}
}

func runBackup(ctx context.Context, e *env, out io.Writer) error {
	path, err := e.m.Backup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "backup written: %s\n", path)
	return nil
}

func cleanupBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-backups",
		Short: "Delete backups older than BACKUP_RETENTION",
		Args:  cobra.NoArgs,
		RunE:  job(runCleanupBackups),
	}
}

func runCleanupBackups(ctx context.Context, e *env, out io.Writer) error {
	removed, err := e.m.CleanupBackups(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "backups removed: %d\n", len(removed))
	return nil
}

func cleanupImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-images",
		Short: "Delete enrollment images that no student references",
		Args:  cobra.NoArgs,
		RunE:  job(runCleanupImages),
	}
}

func runCleanupImages(ctx context.Context, e *env, out io.Writer) error {
	removed, err := e.m.CleanupOrphanImages(ctx)
	if err != nil {
		return err
	}
	for _, n := range removed {
		fmt.Fprintf(out, "removed %s\n", n)
	}
	fmt.Fprintf(out, "orphan images removed: %d\n", len(removed))
	return nil
}

func optimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Rewrite the snapshot from the loaded records",
		Args:  cobra.NoArgs,
		RunE:  job(runOptimize),
	}
}

func runOptimize(ctx context.Context, e *env, out io.Writer) error {
	before, after, err := e.m.Optimize(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snapshot: %d -> %d bytes\n", before, after)
	return nil
}

var errUnhealthy = errors.New("health check found issues")

func healthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report snapshot, image and backup health",
		Long: `Report snapshot, image and backup health.

Exits non-zero when any issue is found.`,
		Args: cobra.NoArgs,
		RunE: job(func(ctx context.Context, e *env, out io.Writer) error {
			return runHealth(ctx, e, out, asJSON)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the report as JSON")
	return cmd
}

func runHealth(ctx context.Context, e *env, out io.Writer, asJSON bool) error {
	rep, err := e.m.Health(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "students:       %d\n", rep.Stats.TotalStudents)
		fmt.Fprintf(out, "snapshot bytes: %d\n", rep.SnapshotBytes)
		fmt.Fprintf(out, "images:         %d (orphans %d)\n", rep.Images, rep.OrphanImages)
		fmt.Fprintf(out, "backups:        %d\n", rep.Backups)
		for _, issue := range rep.Issues {
			fmt.Fprintf(out, "issue: %s\n", issue)
		}
	}
	if !rep.Healthy() {
		return errUnhealthy
	}
	return nil
}

func reconcileCmd() *cobra.Command {
	var auditPath string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare stored balances with a replay of the audit log",
		Args:  cobra.NoArgs,
		RunE: job(func(ctx context.Context, e *env, out io.Writer) error {
			path := auditPath
			if path == "" {
				path = e.cfg.AuditFile
			}
			return runReconcile(ctx, e, out, path)
		}),
	}
	cmd.Flags().StringVar(&auditPath, "audit", "", "Audit log to replay (default AUDIT_FILE)")
	return cmd
}

func runReconcile(ctx context.Context, e *env, out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	mismatches, err := e.m.Reconcile(ctx, f)
	if err != nil {
		return err
	}
	for _, mm := range mismatches {
		fmt.Fprintf(out, "%s stored=%s replayed=%s\n", mm.StudentID, orDash(mm.Stored), orDash(mm.Replayed))
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%d balances disagree with the audit log", len(mismatches))
	}
	fmt.Fprintln(out, "all balances match the audit log")
	return nil
}

func orDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for an OPERATORS entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run backup, cleanup-backups, cleanup-images, optimize and health",
		Args:  cobra.NoArgs,
		RunE: job(func(ctx context.Context, e *env, out io.Writer) error {
			steps := []func(context.Context, *env, io.Writer) error{
				runBackup,
				runCleanupBackups,
				runCleanupImages,
				runOptimize,
			}
			for _, step := range steps {
				if err := step(ctx, e, out); err != nil {
					return err
				}
			}
			return runHealth(ctx, e, out, false)
		}),
	}
}
