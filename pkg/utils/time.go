package utils

import "time"

// Now is the clock used across the control plane. Overridable in tests.
var Now = time.Now

// Since returns time elapsed since t on the package clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// IsStale reports whether a timestamp is older than the given threshold.
func IsStale(timestamp time.Time, threshold time.Duration) bool {
	return Since(timestamp) > threshold
}

// ParseDurationSafe parses a duration string, falling back to a default.
func ParseDurationSafe(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RoundMillis rounds a non-negative millisecond timestamp down to the
// nearest bucket boundary.
func RoundMillis(millis, bucket int64) int64 {
	if bucket <= 0 {
		return millis
	}
	return millis - millis%bucket
}
