package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/store"
	_ "modernc.org/sqlite"
)

const legacySchema = `
CREATE TABLE weather_measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
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
);
CREATE INDEX idx_timestamp ON weather_measurements(timestamp DESC);
CREATE INDEX idx_mac_address ON weather_measurements(mac_address);
CREATE INDEX idx_mac_timestamp ON weather_measurements(mac_address, timestamp DESC);
CREATE TABLE devices (
	mac_address TEXT PRIMARY KEY,
	device_name TEXT,
	location TEXT,
	last_seen DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO schema_version (version) VALUES (1);
`

const testMAC = "AA:BB:CC:DD:EE:FF"

type legacyRow struct {
	ts   string
	want int64
}

// Legacy rows in the textual formats the old logger wrote.
var legacyRows = []legacyRow{
	{"2024-06-15 12:00:00", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC).Unix()},
	{"2024-06-15T12:01:00", time.Date(2024, 6, 15, 12, 1, 0, 0, time.UTC).Unix()},
	{"2024-06-15 12:02:00Z", time.Date(2024, 6, 15, 12, 2, 0, 0, time.UTC).Unix()},
	{"2024-06-15 14:03:00+02:00", time.Date(2024, 6, 15, 12, 3, 0, 0, time.UTC).Unix()},
	{"2024-12-31 23:59:59", time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC).Unix()},
	{"2025-03-01 00:00:00", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Unix()},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLegacyDB(t *testing.T, timestamps []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weather.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck

	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("creating legacy schema: %v", err)
	}
	for i, ts := range timestamps {
		if _, err := db.Exec(`
			INSERT INTO weather_measurements (timestamp, temp_outdoor, humidity_outdoor, mac_address)
			VALUES (?, ?, ?, ?)`, ts, 60.0+float64(i), 40+i, testMAC); err != nil {
			t.Fatalf("inserting legacy row %q: %v", ts, err)
		}
	}
	return path
}

func legacyTimestamps() []string {
	var out []string
	for _, r := range legacyRows {
		out = append(out, r.ts)
	}
	return out
}

func newTestMigrator(path string) *Migrator {
	m := New(path, testLogger())
	m.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return m
}

func snapshot(t *testing.T, path string) (version int, rows int64) {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck
	version, err = store.SchemaVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM weather_measurements`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	return version, rows
}

func TestMigrate_RoundTrip(t *testing.T) {
	path := newLegacyDB(t, legacyTimestamps())
	ctx := context.Background()

	res, err := newTestMigrator(path).Migrate(ctx, Options{})
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if res.FromVersion != 1 || res.ToVersion != 2 {
		t.Errorf("versions = %d -> %d, want 1 -> 2", res.FromVersion, res.ToVersion)
	}
	if res.RowCount != int64(len(legacyRows)) {
		t.Errorf("row count = %d, want %d", res.RowCount, len(legacyRows))
	}
	wantBackup := path + ".backup_20250102_030405"
	if res.BackupPath != wantBackup {
		t.Errorf("backup path = %q, want %q", res.BackupPath, wantBackup)
	}
	if _, err := os.Stat(res.BackupPath); err != nil {
		t.Errorf("backup file: %v", err)
	}

	version, rows := snapshot(t, path)
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if rows != int64(len(legacyRows)) {
		t.Errorf("rows = %d, want %d", rows, len(legacyRows))
	}

	// The store opens the migrated file and sees exact instants.
	s, err := store.NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatalf("opening migrated store: %v", err)
	}
	defer s.Close() //nolint:errcheck

	got, err := s.QueryRange(ctx, testMAC, store.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(legacyRows) {
		t.Fatalf("got %d rows, want %d", len(got), len(legacyRows))
	}
	want := make(map[int64]bool)
	for _, r := range legacyRows {
		want[r.want] = true
	}
	for _, m := range got {
		if !want[m.Timestamp] {
			t.Errorf("unexpected timestamp %d (%s)", m.Timestamp, m.Time())
		}
	}

	// Dedup still holds on the new table.
	dup := store.Measurement{Timestamp: legacyRows[0].want, MACAddress: testMAC}
	if _, inserted, err := s.Insert(ctx, &dup); err != nil || inserted {
		t.Errorf("duplicate insert after migration = (%v, %v), want (false, nil)", inserted, err)
	}
}

func TestMigrate_FailureLeavesStateUntouched(t *testing.T) {
	timestamps := append(legacyTimestamps(), "not a timestamp")
	path := newLegacyDB(t, timestamps)

	res, err := newTestMigrator(path).Migrate(context.Background(), Options{})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if res == nil || res.BackupPath == "" {
		t.Fatal("expected the pre-migration backup path in the result")
	}
	if _, err := os.Stat(res.BackupPath); err != nil {
		t.Errorf("backup file should be kept after failure: %v", err)
	}

	version, rows := snapshot(t, path)
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if rows != int64(len(timestamps)) {
		t.Errorf("rows = %d, want %d", rows, len(timestamps))
	}

	// The temporary column was rolled back with everything else.
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close() //nolint:errcheck
	typ, err := columnType(context.Background(), db, "weather_measurements", "timestamp_epoch")
	if err != nil {
		t.Fatal(err)
	}
	if typ != "" {
		t.Errorf("timestamp_epoch column survived rollback with type %q", typ)
	}
}

func TestMigrate_AlreadyApplied(t *testing.T) {
	path := newLegacyDB(t, legacyTimestamps())
	m := newTestMigrator(path)
	ctx := context.Background()

	if _, err := m.Migrate(ctx, Options{}); err != nil {
		t.Fatal(err)
	}
	res, err := m.Migrate(ctx, Options{})
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if !res.AlreadyApplied {
		t.Error("expected AlreadyApplied on second run")
	}
	if res.BackupPath != "" {
		t.Errorf("no backup expected for a no-op run, got %q", res.BackupPath)
	}
}

func TestMigrate_FreshStoreIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := store.NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	res, err := newTestMigrator(path).Migrate(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyApplied {
		t.Error("fresh store should already be at version 2")
	}
}

func TestMigrate_Precondition(t *testing.T) {
	path := newLegacyDB(t, legacyTimestamps())
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (3)`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	_, err = newTestMigrator(path).Migrate(context.Background(), Options{})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}

	matches, _ := filepath.Glob(path + ".backup_*")
	if len(matches) != 0 {
		t.Errorf("precondition failure must not copy the file, found %v", matches)
	}
}

func TestMigrate_DryRun(t *testing.T) {
	path := newLegacyDB(t, legacyTimestamps())

	res, err := newTestMigrator(path).Migrate(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun || res.RowCount != int64(len(legacyRows)) {
		t.Errorf("result = %+v", res)
	}
	if len(res.Steps) == 0 {
		t.Error("dry run should describe the steps")
	}

	version, rows := snapshot(t, path)
	if version != 1 || rows != int64(len(legacyRows)) {
		t.Errorf("dry run changed state: version=%d rows=%d", version, rows)
	}
	matches, _ := filepath.Glob(path + ".backup_*")
	if len(matches) != 0 {
		t.Errorf("dry run must not copy the file, found %v", matches)
	}
}

func TestMigrate_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.db"), testLogger()).Migrate(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestVerify(t *testing.T) {
	path := newLegacyDB(t, legacyTimestamps())
	m := newTestMigrator(path)
	ctx := context.Background()

	before, err := m.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.OK() {
		t.Error("legacy file should fail verification")
	}

	if _, err := m.Migrate(ctx, Options{}); err != nil {
		t.Fatal(err)
	}

	after, err := m.Verify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.OK() {
		for _, c := range after.Checks {
			if !c.Passed {
				t.Errorf("check %q failed: %s", c.Name, c.Detail)
			}
		}
	}
	if after.RowCount != int64(len(legacyRows)) {
		t.Errorf("row count = %d, want %d", after.RowCount, len(legacyRows))
	}
}
