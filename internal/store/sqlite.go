package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const measurementColumns = `timestamp,
	temp_outdoor, temp_indoor, feels_like, dew_point,
	humidity_outdoor, humidity_indoor,
	pressure_relative, pressure_absolute,
	wind_speed, wind_gust, wind_direction, wind_gust_direction, max_daily_gust,
	hourly_rain, daily_rain, weekly_rain, monthly_rain, yearly_rain,
	solar_radiation, uv_index,
	mac_address`

const insertMeasurement = `INSERT INTO weather_measurements (` + measurementColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(timestamp, mac_address) DO NOTHING`

// Pragmas applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// SQLiteStore implements Store backed by a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and
// bootstraps the schema. Files still on a legacy layout are refused with
// ErrSchemaOutdated.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	// Set file permissions to 0600.
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	ctx := context.Background()
	if version, ok, err := ledgerVersion(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	} else if ok && version < CurrentSchemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("%w: found version %d, want %d", ErrSchemaOutdated, version, CurrentSchemaVersion)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, storageErr("initializing schema", err)
	}

	logger.Info("database ready", "path", path)
	return &SQLiteStore{db: db, path: path, logger: logger, now: time.Now}, nil
}

// Open opens path with the store's pragmas without touching the schema.
// The migrator uses it to operate on files the store would refuse.
func Open(path string) (*sql.DB, error) {
	q := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	db, err := sql.Open("sqlite", path+"?"+strings.Join(q, "&"))
	if err != nil {
		return nil, storageErr("opening sqlite", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageErr("opening sqlite", err)
	}
	return db, nil
}

// SchemaVersion returns the effective (maximum) version recorded in the
// ledger, or 0 when the ledger table does not exist.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	v, _, err := ledgerVersion(ctx, db)
	return v, err
}

func ledgerVersion(ctx context.Context, db *sql.DB) (int, bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = 'schema_version'`).Scan(&n)
	if err != nil {
		return 0, false, storageErr("reading schema version", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, false, storageErr("reading schema version", err)
	}
	return version, true, nil
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the storage file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SchemaVersion returns the effective schema version of the open file.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return SchemaVersion(ctx, s.db)
}

// Checkpoint flushes the write-ahead log into the main database file so a
// raw file copy sees every committed row.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return storageErr("checkpointing wal", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, m *Measurement) (int64, bool, error) {
	if err := m.validate(); err != nil {
		return 0, false, err
	}

	res, err := s.db.ExecContext(ctx, insertMeasurement, measurementArgs(m)...)
	if err != nil {
		return 0, false, storageErr("inserting measurement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, storageErr("inserting measurement", err)
	}
	if n == 0 {
		s.logger.Debug("duplicate measurement skipped", "mac_address", m.MACAddress, "timestamp", m.Timestamp)
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, storageErr("inserting measurement", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, ms []Measurement) (int, error) {
	for i := range ms {
		if err := ms[i].validate(); err != nil {
			return 0, fmt.Errorf("measurement %d: %w", i, err)
		}
	}

	const batchSize = 100
	total := 0
	for i := 0; i < len(ms); i += batchSize {
		end := min(i+batchSize, len(ms))
		n, err := s.insertBatch(ctx, ms[i:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	if len(ms) > 0 {
		s.logger.Info("batch inserted measurements", "inserted", total, "received", len(ms))
	}
	return total, nil
}

func (s *SQLiteStore) insertBatch(ctx context.Context, ms []Measurement) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, insertMeasurement)
	if err != nil {
		return 0, storageErr("preparing statement", err)
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for i := range ms {
		res, err := stmt.ExecContext(ctx, measurementArgs(&ms[i])...)
		if err != nil {
			return 0, storageErr("inserting measurement", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageErr("inserting measurement", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("committing transaction", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, mac string, q RangeQuery) ([]Measurement, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + measurementColumns + ` FROM weather_measurements WHERE mac_address = ?`)
	args := []any{mac}

	if q.Start != nil {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, *q.Start)
	}
	if q.End != nil {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, *q.End)
	}
	b.WriteString(" ORDER BY timestamp DESC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, storageErr("querying measurements", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []Measurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, storageErr("scanning measurement", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("querying measurements", err)
	}
	return result, nil
}

func (s *SQLiteStore) LatestTimestamp(ctx context.Context, mac string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM weather_measurements WHERE mac_address = ?`, mac).Scan(&ts)
	if err != nil {
		return 0, false, storageErr("getting latest timestamp", err)
	}
	return ts.Int64, ts.Valid, nil
}

func (s *SQLiteStore) RecordCount(ctx context.Context, mac string) (int64, error) {
	var count int64
	var err error
	if mac == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_measurements`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_measurements WHERE mac_address = ?`, mac).Scan(&count)
	}
	if err != nil {
		return 0, storageErr("counting measurements", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, mac string, name, location *string) error {
	if mac == "" {
		return fmt.Errorf("%w: mac_address is required", ErrInvalidMeasurement)
	}
	now := s.now().UTC().Format(time.DateTime)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (mac_address, device_name, location, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mac_address) DO UPDATE SET
			device_name = COALESCE(excluded.device_name, device_name),
			location = COALESCE(excluded.location, location),
			last_seen = excluded.last_seen`,
		mac, name, location, now)
	if err != nil {
		return storageErr("upserting device", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, mac string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mac_address, device_name, location, last_seen, created_at
		FROM devices WHERE mac_address = ?`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("getting device", err)
	}
	return d, nil
}

func (s *SQLiteStore) GetDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mac_address, device_name, location, last_seen, created_at
		FROM devices ORDER BY mac_address`)
	if err != nil {
		return nil, storageErr("listing devices", err)
	}
	defer rows.Close() //nolint:errcheck

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, storageErr("scanning device", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing devices", err)
	}
	return devices, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func measurementArgs(m *Measurement) []any {
	return []any{
		m.Timestamp,
		m.TempOutdoor, m.TempIndoor, m.FeelsLike, m.DewPoint,
		m.HumidityOutdoor, m.HumidityIndoor,
		m.PressureRelative, m.PressureAbsolute,
		m.WindSpeed, m.WindGust, m.WindDirection, m.WindGustDirection, m.MaxDailyGust,
		m.HourlyRain, m.DailyRain, m.WeeklyRain, m.MonthlyRain, m.YearlyRain,
		m.SolarRadiation, m.UVIndex,
		m.MACAddress,
	}
}

func scanMeasurement(row scanner) (*Measurement, error) {
	var m Measurement
	err := row.Scan(
		&m.Timestamp,
		&m.TempOutdoor, &m.TempIndoor, &m.FeelsLike, &m.DewPoint,
		&m.HumidityOutdoor, &m.HumidityIndoor,
		&m.PressureRelative, &m.PressureAbsolute,
		&m.WindSpeed, &m.WindGust, &m.WindDirection, &m.WindGustDirection, &m.MaxDailyGust,
		&m.HourlyRain, &m.DailyRain, &m.WeeklyRain, &m.MonthlyRain, &m.YearlyRain,
		&m.SolarRadiation, &m.UVIndex,
		&m.MACAddress,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var lastSeen, createdAt any
	if err := row.Scan(&d.MACAddress, &d.Name, &d.Location, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if d.LastSeen, err = parseTimestamp(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

// parseTimestamp handles time.Time, string, and NULL DATETIME values from SQLite.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, layout := range []string{
			time.DateTime,
			time.RFC3339Nano,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05.999999",
			"2006-01-02T15:04:05",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}
