package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/store"
)

// Plausible epoch range for stored measurements.
var (
	epochMin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	epochMax = time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC).Unix()
)

var requiredIndexes = []string{"idx_timestamp", "idx_mac_address", "idx_mac_timestamp"}

// Check is the outcome of one verification check.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// Report collects the checks run by Verify.
type Report struct {
	Checks   []Check
	RowCount int64
	MinTS    int64
	MaxTS    int64
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

func (r *Report) add(name string, passed bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
}

// Verify inspects a migrated file and reports whether it has the version 2
// layout. It never modifies the file.
func (m *Migrator) Verify(ctx context.Context) (*Report, error) {
	db, err := store.Open(m.path)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	r := &Report{}

	version, err := store.SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	r.add("schema version", version == toVersion, "version %d, expected %d", version, toVersion)

	colType, err := columnType(ctx, db, "weather_measurements", "timestamp")
	if err != nil {
		return nil, err
	}
	integerTS := strings.EqualFold(colType, "INTEGER")
	r.add("timestamp column type", integerTS, "type %q", colType)

	var nulls int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_measurements WHERE timestamp IS NULL`).Scan(&nulls); err != nil {
		return nil, fmt.Errorf("counting null timestamps: %w", err)
	}
	r.add("null timestamps", nulls == 0, "%d null timestamps", nulls)

	if r.RowCount, err = countRows(ctx, db, "weather_measurements"); err != nil {
		return nil, err
	}

	var minTS, maxTS *int64
	if integerTS && r.RowCount > 0 {
		if err := db.QueryRowContext(ctx, `
			SELECT MIN(timestamp), MAX(timestamp) FROM weather_measurements`).Scan(&minTS, &maxTS); err != nil {
			return nil, fmt.Errorf("reading timestamp range: %w", err)
		}
	}
	switch {
	case !integerTS:
		r.add("timestamp range", false, "timestamps are not stored as integers")
	case r.RowCount == 0 || minTS == nil || maxTS == nil:
		r.add("timestamp range", true, "no records")
	default:
		r.MinTS, r.MaxTS = *minTS, *maxTS
		inRange := r.MinTS >= epochMin && r.MaxTS <= epochMax
		r.add("timestamp range", inRange, "%s to %s",
			time.Unix(r.MinTS, 0).UTC().Format(time.RFC3339),
			time.Unix(r.MaxTS, 0).UTC().Format(time.RFC3339))
	}

	present, err := indexNames(ctx, db, "weather_measurements")
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range requiredIndexes {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	r.add("indexes", len(missing) == 0, "missing: [%s]", strings.Join(missing, ", "))

	unique, err := hasUniqueTimestampMAC(ctx, db)
	if err != nil {
		return nil, err
	}
	r.add("unique(timestamp, mac_address)", unique, "present=%v", unique)

	for _, c := range r.Checks {
		level := "passed"
		if !c.Passed {
			level = "failed"
		}
		m.logger.Info("verification check", "check", c.Name, "result", level, "detail", c.Detail)
	}
	return r, nil
}

type dbQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func columnType(ctx context.Context, db dbQuerier, table, column string) (string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return "", fmt.Errorf("reading table info: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return "", fmt.Errorf("scanning table info: %w", err)
		}
		if name == column {
			return typ, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading table info: %w", err)
	}
	return "", nil
}

func indexNames(ctx context.Context, db dbQuerier, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning index: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// hasUniqueTimestampMAC looks for a unique index covering exactly
// (timestamp, mac_address) in that order.
func hasUniqueTimestampMAC(ctx context.Context, db dbQuerier) (bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM pragma_index_list('weather_measurements') WHERE "unique" = 1`)
	if err != nil {
		return false, fmt.Errorf("listing unique indexes: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return false, fmt.Errorf("scanning unique index: %w", err)
		}
		names = append(names, name)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("listing unique indexes: %w", err)
	}

	for _, name := range names {
		cols, err := indexColumns(ctx, db, name)
		if err != nil {
			return false, err
		}
		if strings.Join(cols, ",") == "timestamp,mac_address" {
			return true, nil
		}
	}
	return false, nil
}

func indexColumns(ctx context.Context, db dbQuerier, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", index, err)
	}
	defer rows.Close() //nolint:errcheck

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scanning index %s: %w", index, err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}
