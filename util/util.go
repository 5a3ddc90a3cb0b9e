// Package util contains misc internal utilities.
package util

import (
	"strings"
	"time"
)

// IsoDatetime formats t as an ISO 8601 date time with second resolution that
// is safe to use in a file name on every platform, e.g. 2026-10-16T14-03-59
func IsoDatetime(t time.Time) string {
	return strings.ReplaceAll(t.Format("2006-01-02T15:04:05"), ":", "-")
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// MinutesToDuration converts a floating point number of minutes to a time.Duration
func MinutesToDuration(mins float64) time.Duration {
	return time.Duration(mins * float64(time.Minute))
}

// UnixSeconds returns t as fractional seconds since the epoch, the timestamp
// format of the CSV logs
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Clamp limits input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}
