package ambient

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/store"
)

// ErrNoTimestamp is returned for a reading without dateutc.
var ErrNoTimestamp = errors.New("ambient: reading has no dateutc")

// Reading is one raw data record keyed by the service's field names.
type Reading map[string]any

// Time returns the reading's dateutc, which the service sends as
// milliseconds since the epoch.
func (r Reading) Time() (time.Time, error) {
	v, ok := r["dateutc"]
	if !ok || v == nil {
		v, ok = r["date"]
	}
	if !ok || v == nil {
		return time.Time{}, ErrNoTimestamp
	}
	switch x := v.(type) {
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	case string:
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("ambient: parsing date %q: %w", x, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("ambient: unexpected date type %T", v)
	}
}

// MACAddress returns the device address carried by realtime readings, or
// "" when the reading has none.
func (r Reading) MACAddress() string {
	mac, _ := r["macAddress"].(string)
	return mac
}

func (r Reading) floatField(key string) *float64 {
	switch x := r[key].(type) {
	case float64:
		return &x
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return &f
		}
	}
	return nil
}

func (r Reading) intField(key string) *int64 {
	f := r.floatField(key)
	if f == nil {
		return nil
	}
	i := int64(math.Round(*f))
	return &i
}

// Measurement maps the reading onto a stored record for mac. Keys the
// device did not report are left nil.
func (r Reading) Measurement(mac string) (store.Measurement, error) {
	t, err := r.Time()
	if err != nil {
		return store.Measurement{}, err
	}
	return store.Measurement{
		Timestamp:  t.Unix(),
		MACAddress: mac,

		TempOutdoor: r.floatField("tempf"),
		TempIndoor:  r.floatField("tempinf"),
		FeelsLike:   r.floatField("feelsLike"),
		DewPoint:    r.floatField("dewPoint"),

		HumidityOutdoor: r.intField("humidity"),
		HumidityIndoor:  r.intField("humidityin"),

		PressureRelative: r.floatField("baromrelin"),
		PressureAbsolute: r.floatField("baromabsin"),

		WindSpeed:         r.floatField("windspeedmph"),
		WindGust:          r.floatField("windgustmph"),
		WindDirection:     r.intField("winddir"),
		WindGustDirection: r.intField("windgustdir"),
		MaxDailyGust:      r.floatField("maxdailygust"),

		HourlyRain:  r.floatField("hourlyrainin"),
		DailyRain:   r.floatField("dailyrainin"),
		WeeklyRain:  r.floatField("weeklyrainin"),
		MonthlyRain: r.floatField("monthlyrainin"),
		YearlyRain:  r.floatField("yearlyrainin"),

		SolarRadiation: r.floatField("solarradiation"),
		UVIndex:        r.intField("uv"),
	}, nil
}
