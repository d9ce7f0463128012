// Package logicalday maps wall-clock instants to the accounting day they
// belong to. A logical day is the calendar date of an instant after it has
// been shifted by a fixed, process-wide UTC offset.
package logicalday

import (
	"errors"
	"fmt"
	"time"
)

// Layout is the wire and storage format of a logical day.
const Layout = "2006-01-02"

// DefaultOffsetMinutes is UTC-3, the business timezone the collector was
// originally deployed for.
const DefaultOffsetMinutes = -180

// MaxOffsetMinutes bounds the accepted offset in either direction.
const MaxOffsetMinutes = 1440

var ErrInvalidOffset = errors.New("logicalday: offset must be within ±1440 minutes")

// Validate reports whether offsetMinutes is usable.
func Validate(offsetMinutes int) error {
	if offsetMinutes < -MaxOffsetMinutes || offsetMinutes > MaxOffsetMinutes {
		return fmt.Errorf("%w (got %d)", ErrInvalidOffset, offsetMinutes)
	}
	return nil
}

// For returns the logical day of instant.
func For(instant time.Time, offsetMinutes int) (string, error) {
	if err := Validate(offsetMinutes); err != nil {
		return "", err
	}
	shifted := instant.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return shifted.Format(Layout), nil
}

// Parse validates day and returns midnight UTC of that calendar date.
func Parse(day string) (time.Time, error) {
	t, err := time.Parse(Layout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("logicalday: invalid day %q: %w", day, err)
	}
	return t, nil
}

// Start returns the UTC instant at which day begins for the given offset.
func Start(day string, offsetMinutes int) (time.Time, error) {
	if err := Validate(offsetMinutes); err != nil {
		return time.Time{}, err
	}
	t, err := Parse(day)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(-time.Duration(offsetMinutes) * time.Minute), nil
}

// Range returns the inclusive window of days logical days ending at endDay.
// days below one is treated as one.
func Range(endDay string, days int) (start, end string, err error) {
	t, err := Parse(endDay)
	if err != nil {
		return "", "", err
	}
	if days < 1 {
		days = 1
	}
	return t.AddDate(0, 0, -(days - 1)).Format(Layout), endDay, nil
}

// AddDays shifts day by n calendar days.
func AddDays(day string, n int) (string, error) {
	t, err := Parse(day)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(Layout), nil
}
