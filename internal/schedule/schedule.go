// Package schedule describes a once-a-day trigger time.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Daily fires once a day at Hour:Minute in the location passed to Next.
type Daily struct {
	Hour   int
	Minute int
}

// ParseCron parses the "minute hour * * *" subset of cron syntax. The
// remaining three fields, when present, must be "*".
func ParseCron(expr string) (Daily, error) {
	fields := strings.Fields(expr)
	if len(fields) != 2 && len(fields) != 5 {
		return Daily{}, fmt.Errorf("schedule %q: want \"minute hour * * *\"", expr)
	}
	for _, f := range fields[2:] {
		if f != "*" {
			return Daily{}, fmt.Errorf("schedule %q: only daily schedules are supported", expr)
		}
	}

	minute, err := strconv.Atoi(fields[0])
	if err != nil {
		return Daily{}, fmt.Errorf("schedule %q: minute: %w", expr, err)
	}
	hour, err := strconv.Atoi(fields[1])
	if err != nil {
		return Daily{}, fmt.Errorf("schedule %q: hour: %w", expr, err)
	}

	d := Daily{Hour: hour, Minute: minute}
	if err := d.Validate(); err != nil {
		return Daily{}, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return d, nil
}

// Validate checks the hour and minute ranges.
func (d Daily) Validate() error {
	if d.Hour < 0 || d.Hour > 23 {
		return fmt.Errorf("hour %d out of range 0-23", d.Hour)
	}
	if d.Minute < 0 || d.Minute > 59 {
		return fmt.Errorf("minute %d out of range 0-59", d.Minute)
	}
	return nil
}

// Next returns the first trigger strictly after now, in now's location.
// time.Date normalises day overflow, so the last day of a month rolls into
// the first of the next.
func (d Daily) Next(now time.Time) time.Time {
	y, m, day := now.Date()
	next := time.Date(y, m, day, d.Hour, d.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(y, m, day+1, d.Hour, d.Minute, 0, 0, now.Location())
	}
	return next
}

func (d Daily) String() string {
	return fmt.Sprintf("%02d:%02d daily", d.Hour, d.Minute)
}
