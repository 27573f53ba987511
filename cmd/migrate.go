package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/weatherlogd/internal/migrate"
)

var (
	dryRun    bool
	migrateDB string
	errVerify = errors.New("verification failed")
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database to the current schema version",
	Long: `Migrate converts a version 1 database (text timestamps) to version 2
(integer Unix timestamps). The file is copied next to itself before any
change is made, and the conversion runs in a single transaction: on any
failure the database is left exactly as it was.

Stop 'weatherlogd serve' before migrating.`,
	RunE: runMigrate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the database has the current schema layout",
	RunE:  runVerify,
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDB, "db-path", "", "database file (overrides config)")
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the migration plan without applying it")
	migrateCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(migrateCmd)
}

// migrator builds a migrator for --db-path, or the configured storage path.
func migrator() (*migrate.Migrator, *slog.Logger, error) {
	if migrateDB != "" {
		logger := setupLogging("text", "info")
		return migrate.New(migrateDB, logger), logger, nil
	}
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Path == "" {
		return nil, nil, errors.New("no database path: set storage.path or --db-path")
	}
	return migrate.New(cfg.Storage.Path, logger), logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	m, logger, err := migrator()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := m.Migrate(ctx, migrate.Options{DryRun: dryRun})
	if err != nil {
		if res != nil && res.BackupPath != "" {
			fmt.Fprintf(os.Stderr, "Migration failed. The database is unchanged; a copy was kept at %s\n", res.BackupPath)
		}
		return err
	}

	switch {
	case res.AlreadyApplied:
		fmt.Printf("Database is already at schema version %d.\n", res.ToVersion)
	case res.DryRun:
		fmt.Printf("Dry run: would migrate %d rows from version %d to %d.\n", res.RowCount, res.FromVersion, res.ToVersion)
		for i, step := range res.Steps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
	default:
		fmt.Printf("Migrated %d rows from version %d to %d in %s.\n", res.RowCount, res.FromVersion, res.ToVersion, res.Duration.Round(time.Millisecond))
		fmt.Printf("Backup: %s\n", res.BackupPath)
		fmt.Println("Run 'weatherlogd migrate verify' to check the result.")
	}
	logger.Debug("migrate finished", "result", res)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	m, _, err := migrator()
	if err != nil {
		return err
	}

	report, err := m.Verify(cmd.Context())
	if err != nil {
		return err
	}

	for _, c := range report.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Printf("[%s] %-28s %s\n", mark, c.Name, c.Detail)
	}
	if report.RowCount > 0 {
		fmt.Printf("\n%d rows\n", report.RowCount)
	}

	if !report.OK() {
		return errVerify
	}
	fmt.Println("\nAll checks passed.")
	return nil
}
