// Package throttle decides whether a target may be attempted again.
package throttle

import (
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/checkpoint"
)

// IsEligible reports whether target may run at now: either it has never
// been attempted, or at least target.Throttle has passed since the last
// attempt.
func IsEligible(target backup.Target, record checkpoint.Record, now time.Time) bool {
	return Remaining(target, record, now) == 0
}

// Remaining returns how long target still has to wait. Zero means eligible.
func Remaining(target backup.Target, record checkpoint.Record, now time.Time) time.Duration {
	if record.LastAttemptAt == nil {
		return 0
	}

	elapsed := now.Sub(*record.LastAttemptAt)
	if elapsed >= target.Throttle {
		return 0
	}
	return target.Throttle - elapsed
}

// Since returns the time elapsed since the last attempt, and false if the
// target was never attempted.
func Since(record checkpoint.Record, now time.Time) (time.Duration, bool) {
	if record.LastAttemptAt == nil {
		return 0, false
	}
	return now.Sub(*record.LastAttemptAt), true
}

// Hours converts a fractional hour count into a duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
