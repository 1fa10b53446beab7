// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// UTCNowAdd returns the current UTC time plus the given duration
func UTCNowAdd(d time.Duration) time.Time {
	return UTCNow().Add(d)
}

// HourStart truncates t to the start of its wall-clock hour in UTC
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayStart truncates t to midnight of its calendar date in UTC
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsExpiredAt reports whether t is at or before now
func IsExpiredAt(t *time.Time, now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.After(now)
}

// Clock returns the current time; flows accept one so tests can move time forward
type Clock func() time.Time
