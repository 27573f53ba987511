package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the layout version written by this build.
const CurrentSchemaVersion = 2

var (
	// ErrStorage matches every I/O or corruption fault raised by the store.
	ErrStorage = errors.New("storage fault")

	// ErrSchemaOutdated is returned when opening a file that still needs migrating.
	ErrSchemaOutdated = errors.New("schema version is outdated, run migrate")

	// ErrInvalidMeasurement is returned for measurements missing a timestamp or MAC address.
	ErrInvalidMeasurement = errors.New("invalid measurement")
)

// StorageError wraps a low-level database fault with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports true for ErrStorage so callers can classify without type assertions.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Store defines the interface for measurement storage.
type Store interface {
	// Insert stores a measurement unless (timestamp, mac_address) already exists.
	// A duplicate returns inserted == false and a nil error.
	Insert(ctx context.Context, m *Measurement) (id int64, inserted bool, err error)

	// InsertBatch stores measurements with the same dedup rule and returns
	// the number of newly inserted rows. Every item is validated before
	// anything is written; rows commit in transactions of 100.
	InsertBatch(ctx context.Context, ms []Measurement) (int, error)

	// QueryRange returns measurements for a device, newest first.
	QueryRange(ctx context.Context, mac string, q RangeQuery) ([]Measurement, error)

	// LatestTimestamp returns the newest stored timestamp for a device.
	LatestTimestamp(ctx context.Context, mac string) (ts int64, ok bool, err error)

	// RecordCount counts measurements, for one device or all when mac is empty.
	RecordCount(ctx context.Context, mac string) (int64, error)

	// UpsertDevice creates or refreshes device metadata. Nil fields keep the stored value.
	UpsertDevice(ctx context.Context, mac string, name, location *string) error

	// GetDevices lists all known devices.
	GetDevices(ctx context.Context) ([]Device, error)

	// GetDevice returns one device or nil if unknown.
	GetDevice(ctx context.Context, mac string) (*Device, error)

	// Close closes the database connection.
	Close() error
}

// RangeQuery bounds a QueryRange scan. Nil bounds are unbounded, both
// bounds are inclusive, and Limit <= 0 means no limit.
type RangeQuery struct {
	Start *int64
	End   *int64
	Limit int
}

// Measurement is one sample from one device at one instant.
// Sensor fields are nil when the device model does not report them.
type Measurement struct {
	Timestamp  int64  `json:"timestamp"`
	MACAddress string `json:"mac_address"`

	// Temperature (Fahrenheit)
	TempOutdoor *float64 `json:"temp_outdoor"`
	TempIndoor  *float64 `json:"temp_indoor"`
	FeelsLike   *float64 `json:"feels_like"`
	DewPoint    *float64 `json:"dew_point"`

	// Humidity (%)
	HumidityOutdoor *int64 `json:"humidity_outdoor"`
	HumidityIndoor  *int64 `json:"humidity_indoor"`

	// Pressure (inHg)
	PressureRelative *float64 `json:"pressure_relative"`
	PressureAbsolute *float64 `json:"pressure_absolute"`

	// Wind (mph, degrees)
	WindSpeed         *float64 `json:"wind_speed"`
	WindGust          *float64 `json:"wind_gust"`
	WindDirection     *int64   `json:"wind_direction"`
	WindGustDirection *int64   `json:"wind_gust_direction"`
	MaxDailyGust      *float64 `json:"max_daily_gust"`

	// Rain (inches)
	HourlyRain  *float64 `json:"hourly_rain"`
	DailyRain   *float64 `json:"daily_rain"`
	WeeklyRain  *float64 `json:"weekly_rain"`
	MonthlyRain *float64 `json:"monthly_rain"`
	YearlyRain  *float64 `json:"yearly_rain"`

	// Solar/UV
	SolarRadiation *float64 `json:"solar_radiation"`
	UVIndex        *int64   `json:"uv_index"`
}

// Time returns the measurement timestamp as a UTC time.
func (m *Measurement) Time() time.Time {
	return time.Unix(m.Timestamp, 0).UTC()
}

func (m *Measurement) validate() error {
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidMeasurement)
	}
	if m.MACAddress == "" {
		return fmt.Errorf("%w: mac_address is required", ErrInvalidMeasurement)
	}
	return nil
}

// Device is the last-known descriptive state of a device.
type Device struct {
	MACAddress string
	Name       *string
	Location   *string
	LastSeen   time.Time
	CreatedAt  time.Time
}
