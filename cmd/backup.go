package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chadmayfield/weatherlogd/internal/backup"
	"github.com/chadmayfield/weatherlogd/internal/config"
	"github.com/chadmayfield/weatherlogd/internal/store"
)

const recentShown = 5

var (
	restoreDest  string
	restoreForce bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage off-site database backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Upload a snapshot of the database and apply retention",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete backups outside the retention policy",
	Args:  cobra.NoArgs,
	RunE:  runBackupCleanup,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <key>",
	Short: "Replace the database with a backup",
	Long: `Restore downloads the backup at <key> and replaces the database file with
it. Stop 'weatherlogd serve' first. The file is replaced only once the
download has completed.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

func init() {
	backupRestoreCmd.Flags().StringVar(&restoreDest, "dest", "", "restore to this path instead of the configured database")
	backupRestoreCmd.Flags().BoolVar(&restoreForce, "force", false, "overwrite an existing file")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupCleanupCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}

func newBackupManager(ctx context.Context, cfg config.BackupConfig, storePath string, logger *slog.Logger) (*backup.Manager, error) {
	if !cfg.Enabled {
		return backup.NewManager(cfg, storePath, nil, logger)
	}
	client, err := backup.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(cfg, storePath, client, logger)
}

// backupManager loads config and builds a manager. Backups that are turned
// off are reported as an error here, since every subcommand would be a
// no-op.
func backupManager(ctx context.Context) (*backup.Manager, *config.Config, error) {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Backup.Enabled {
		return nil, nil, fmt.Errorf("%w: backups are disabled (set backup.enabled)", config.ErrConfiguration)
	}
	if err := cfg.Backup.Validate(); err != nil {
		return nil, nil, err
	}
	mgr, err := newBackupManager(ctx, cfg.Backup, cfg.Storage.Path, logger)
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	mgr, cfg, err := backupManager(ctx)
	if err != nil {
		return err
	}

	// Flush the WAL so the snapshot holds every committed row.
	if _, err := os.Stat(cfg.Storage.Path); err == nil {
		if s, err := store.NewSQLiteStore(cfg.Storage.Path, slog.Default()); err == nil {
			if err := s.Checkpoint(ctx); err != nil {
				slog.Warn("checkpoint before backup failed", "error", err)
			}
			_ = s.Close()
		}
	}

	res, err := mgr.Create(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Uploaded %s to %s (%s in %s)\n", res.Key, res.Bucket, humanize.IBytes(uint64(res.Size)), res.Duration.Round(time.Millisecond))
	fmt.Printf("Retention: %d deleted, %d recent and %d monthly kept\n", res.Cleanup.Deleted, res.Cleanup.RecentKept, res.Cleanup.MonthlyKept)

	list, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	objects := list.Objects
	if len(objects) > recentShown {
		objects = objects[:recentShown]
	}
	fmt.Printf("\nLatest %d of %d backups:\n", len(objects), len(list.Objects))
	printObjects(objects)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	mgr, _, err := backupManager(ctx)
	if err != nil {
		return err
	}
	res, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(res.Objects) == 0 {
		fmt.Println("No backups found.")
		return nil
	}

	var total int64
	for _, o := range res.Objects {
		total += o.Size
	}
	printObjects(res.Objects)
	fmt.Printf("\n%d backups, %s total\n", len(res.Objects), humanize.IBytes(uint64(total)))
	return nil
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	mgr, _, err := backupManager(ctx)
	if err != nil {
		return err
	}
	res, err := mgr.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup stopped after %d deletions: %w", res.Deleted, err)
	}
	fmt.Printf("Deleted %d backups; kept %d recent and %d monthly\n", res.Deleted, res.RecentKept, res.MonthlyKept)
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	mgr, cfg, err := backupManager(ctx)
	if err != nil {
		return err
	}

	dest := restoreDest
	if dest == "" {
		dest = cfg.Storage.Path
	}
	if _, err := os.Stat(dest); err == nil && !restoreForce {
		return fmt.Errorf("%s exists; stop the daemon and pass --force to replace it", dest)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	res, err := mgr.Restore(ctx, args[0], dest)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %s to %s (%s)\n", res.Key, res.Path, humanize.IBytes(uint64(res.Size)))
	return nil
}

func printObjects(objects []backup.Object) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tUPLOADED")
	for _, o := range objects {
		fmt.Fprintf(w, "%s\t%s\t%s (%s)\n",
			o.Key,
			humanize.IBytes(uint64(o.Size)),
			o.LastModified.Local().Format("2006-01-02 15:04:05"),
			humanize.Time(o.LastModified),
		)
	}
	_ = w.Flush()
}
