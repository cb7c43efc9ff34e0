package app

import (
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/month"
	"chatbackup/internal/progress"
)

// TargetStatus is the final state of a target after one pass.
type TargetStatus string

const (
	StatusCompleted     TargetStatus = "completed"
	StatusUpToDate      TargetStatus = "up_to_date"
	StatusThrottled     TargetStatus = "throttled"
	StatusPartial       TargetStatus = "partial"
	StatusFailed        TargetStatus = "failed"
	StatusAuthFailure   TargetStatus = "auth_failure"
	StatusInvalidConfig TargetStatus = "invalid_config"
	StatusSkippedDryRun TargetStatus = "skipped_dry_run"
)

// TargetResult describes what a pass did for one target.
type TargetResult struct {
	TargetID string
	Name     string
	Status   TargetStatus

	Planned   int
	Exported  int
	Recovered int

	// FailedMonth and Outcome are set when a chunk export failed.
	FailedMonth month.Month
	Outcome     backup.Outcome
	Detail      string

	// ThrottleRemaining is set for throttled targets.
	ThrottleRemaining time.Duration

	MediaScanned int
	MediaLinked  int
	BytesSaved   int64

	Err error
}

// Summary aggregates the per-target results of one pass.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	DryRun   bool
	// Locked is set when another pass held the run lock and nothing ran.
	Locked  bool
	Targets []TargetResult
	Stats   progress.Status
}

// NeedsAttention reports whether any target failed in a way that will not
// resolve itself on a later pass.
func (s *Summary) NeedsAttention() bool {
	for _, t := range s.Targets {
		if t.Status == StatusInvalidConfig || t.Status == StatusAuthFailure {
			return true
		}
	}
	return false
}

// Count returns the number of targets with the given status.
func (s *Summary) Count(status TargetStatus) int {
	n := 0
	for _, t := range s.Targets {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Result returns the result for targetID.
func (s *Summary) Result(targetID string) (TargetResult, bool) {
	for _, t := range s.Targets {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return TargetResult{}, false
}
