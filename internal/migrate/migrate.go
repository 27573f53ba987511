// Package migrate moves a weather database from the legacy DATETIME text
// timestamp layout (version 1) to integer epoch seconds (version 2).
//
// The migration must run while nothing else has the file open for writing.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/store"
)

const (
	fromVersion = 1
	toVersion   = 2
)

var (
	// ErrPrecondition is returned when the file is not at the version the
	// migration starts from. Nothing has been modified.
	ErrPrecondition = errors.New("migration precondition failed")

	// ErrIntegrity is returned when a mid-transaction check fails. The
	// transaction has been rolled back.
	ErrIntegrity = errors.New("migration integrity check failed")
)

// Options controls a migration run.
type Options struct {
	// DryRun reads the version and row count and reports the plan without
	// copying or modifying anything.
	DryRun bool
}

// Result describes what a migration run did or would do.
type Result struct {
	FromVersion    int
	ToVersion      int
	RowCount       int64
	BackupPath     string
	DryRun         bool
	AlreadyApplied bool
	Steps          []string
	Duration       time.Duration
}

// Migrator runs the version 1 to version 2 migration against one file.
type Migrator struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a migrator for the database at path.
func New(path string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{path: path, logger: logger, now: time.Now}
}

var plan = []string{
	"add temporary timestamp_epoch INTEGER column",
	"convert datetime strings to Unix epoch seconds",
	"verify no NULL epoch values",
	"create weather_measurements_new with INTEGER timestamp",
	"copy rows ordered by id",
	"verify row count",
	"drop old table and rename new table",
	"recreate idx_timestamp, idx_mac_address, idx_mac_timestamp",
	"record schema version 2",
}

// Migrate runs the migration. A file already at version 2 is left alone and
// reported as AlreadyApplied. Any other version fails with ErrPrecondition.
// Before the transaction opens, the whole file is copied next to itself; the
// copy is kept whatever the outcome.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (*Result, error) {
	start := m.now()
	if _, err := os.Stat(m.path); err != nil {
		return nil, fmt.Errorf("database file: %w", err)
	}

	db, err := store.Open(m.path)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	version, err := store.SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	m.logger.Info("current schema version", "version", version, "path", m.path)

	res := &Result{FromVersion: version, ToVersion: toVersion, DryRun: opts.DryRun}

	if version == toVersion {
		m.logger.Info("schema already at target version, nothing to do", "version", version)
		res.AlreadyApplied = true
		return res, nil
	}
	if version != fromVersion {
		return nil, fmt.Errorf("%w: expected schema version %d, found %d", ErrPrecondition, fromVersion, version)
	}

	if res.RowCount, err = countRows(ctx, db, "weather_measurements"); err != nil {
		return nil, err
	}
	m.logger.Info("current record count", "rows", res.RowCount)

	if opts.DryRun {
		res.Steps = append([]string{"copy " + m.path + " to a timestamped backup"}, plan...)
		for i, step := range res.Steps {
			m.logger.Info("dry run step", "n", i+1, "step", step)
		}
		return res, nil
	}

	// A checkpoint first so the copy holds every committed page.
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("checkpointing before backup: %w", err)
	}
	res.BackupPath, err = m.backupFile()
	if err != nil {
		return nil, err
	}
	m.logger.Info("backup created", "path", res.BackupPath)

	if err := m.run(ctx, db, res.RowCount); err != nil {
		m.logger.Error("migration failed, rolled back", "error", err, "backup", res.BackupPath)
		return res, err
	}

	res.Steps = plan
	res.Duration = m.now().Sub(start)
	m.logger.Info("migration complete",
		"from", fromVersion, "to", toVersion,
		"rows", res.RowCount,
		"backup", res.BackupPath,
	)
	return res, nil
}

func (m *Migrator) run(ctx context.Context, db *sql.DB, want int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != fromVersion {
		return fmt.Errorf("%w: expected schema version %d, found %d", ErrPrecondition, fromVersion, version)
	}

	exec := func(step, query string) error {
		m.logger.Info("migration step", "step", step)
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		return nil
	}

	if err := exec(plan[0], `ALTER TABLE weather_measurements ADD COLUMN timestamp_epoch INTEGER`); err != nil {
		return err
	}
	if err := exec(plan[1], `UPDATE weather_measurements SET timestamp_epoch = CAST(strftime('%s', timestamp) AS INTEGER)`); err != nil {
		return err
	}

	var nulls int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_measurements WHERE timestamp_epoch IS NULL`).Scan(&nulls); err != nil {
		return fmt.Errorf("%s: %w", plan[2], err)
	}
	if nulls > 0 {
		return fmt.Errorf("%w: %d rows have NULL epoch timestamps after conversion", ErrIntegrity, nulls)
	}

	if err := exec(plan[3], createNewTable); err != nil {
		return err
	}
	if err := exec(plan[4], copyRows); err != nil {
		return err
	}

	var got int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_measurements_new`).Scan(&got); err != nil {
		return fmt.Errorf("%s: %w", plan[5], err)
	}
	if got != want {
		return fmt.Errorf("%w: record count mismatch: original=%d, new=%d", ErrIntegrity, want, got)
	}

	if err := exec(plan[6], `DROP TABLE weather_measurements`); err != nil {
		return err
	}
	if err := exec(plan[6], `ALTER TABLE weather_measurements_new RENAME TO weather_measurements`); err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := exec(plan[7], idx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, toVersion); err != nil {
		return fmt.Errorf("%s: %w", plan[8], err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

// backupFile copies the database to {path}.backup_{YYYYMMDD_HHMMSS}.
func (m *Migrator) backupFile() (string, error) {
	dst := fmt.Sprintf("%s.backup_%s", m.path, m.now().Format("20060102_150405"))

	in, err := os.Open(m.path)
	if err != nil {
		return "", fmt.Errorf("opening database for backup: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("creating backup file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copying database: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("syncing backup file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing backup file: %w", err)
	}
	return dst, nil
}

func countRows(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

const createNewTable = `CREATE TABLE weather_measurements_new (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	temp_outdoor REAL,
	temp_indoor REAL,
	feels_like REAL,
	dew_point REAL,
	humidity_outdoor INTEGER,
	humidity_indoor INTEGER,
	pressure_relative REAL,
	pressure_absolute REAL,
	wind_speed REAL,
	wind_gust REAL,
	wind_direction INTEGER,
	wind_gust_direction INTEGER,
	max_daily_gust REAL,
	hourly_rain REAL,
	daily_rain REAL,
	weekly_rain REAL,
	monthly_rain REAL,
	yearly_rain REAL,
	solar_radiation REAL,
	uv_index INTEGER,
	mac_address TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(timestamp, mac_address)
)`

const copyRows = `INSERT INTO weather_measurements_new (
	id, timestamp,
	temp_outdoor, temp_indoor, feels_like, dew_point,
	humidity_outdoor, humidity_indoor,
	pressure_relative, pressure_absolute,
	wind_speed, wind_gust, wind_direction, wind_gust_direction, max_daily_gust,
	hourly_rain, daily_rain, weekly_rain, monthly_rain, yearly_rain,
	solar_radiation, uv_index,
	mac_address, created_at
)
SELECT
	id, timestamp_epoch,
	temp_outdoor, temp_indoor, feels_like, dew_point,
	humidity_outdoor, humidity_indoor,
	pressure_relative, pressure_absolute,
	wind_speed, wind_gust, wind_direction, wind_gust_direction, max_daily_gust,
	hourly_rain, daily_rain, weekly_rain, monthly_rain, yearly_rain,
	solar_radiation, uv_index,
	mac_address, created_at
FROM weather_measurements
ORDER BY id`

var indexes = []string{
	`CREATE INDEX idx_timestamp ON weather_measurements(timestamp DESC)`,
	`CREATE INDEX idx_mac_address ON weather_measurements(mac_address)`,
	`CREATE INDEX idx_mac_timestamp ON weather_measurements(mac_address, timestamp DESC)`,
}
