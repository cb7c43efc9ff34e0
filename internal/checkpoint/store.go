package checkpoint

import (
	"context"
	"sort"
	"time"

	"chatbackup/internal/month"
)

// Record is the persisted progress of a single target.
type Record struct {
	CompletedMonths []month.Month `json:"completedMonths"`
	LastAttemptAt   *time.Time    `json:"lastAttemptAt,omitempty"`
}

// IsCompleted reports whether m has been recorded as finalized.
func (r Record) IsCompleted(m month.Month) bool {
	i := sort.Search(len(r.CompletedMonths), func(i int) bool {
		return !r.CompletedMonths[i].Before(m)
	})
	return i < len(r.CompletedMonths) && r.CompletedMonths[i] == m
}

// State maps target ids to their progress records. It is a plain value:
// operations receive it and return a new one, persistence happens only in
// Store implementations.
type State struct {
	Targets map[string]Record
}

// NewState returns an empty state.
func NewState() State {
	return State{Targets: make(map[string]Record)}
}

// Record returns the record for targetID, or an empty record.
func (s State) Record(targetID string) Record {
	return s.Targets[targetID]
}

// CompletedCount returns the number of finalized months across all targets.
func (s State) CompletedCount() int {
	total := 0
	for _, r := range s.Targets {
		total += len(r.CompletedMonths)
	}
	return total
}

// WithCompletion returns a copy of s with m recorded as finalized for
// targetID. Months that are not strictly before the month containing now
// are never finalized; in that case the returned bool is false.
func (s State) WithCompletion(targetID string, m month.Month, now time.Time) (State, bool) {
	if !m.Before(month.Of(now)) {
		return s, false
	}

	rec := s.Record(targetID)
	if rec.IsCompleted(m) {
		return s, false
	}

	months := make([]month.Month, 0, len(rec.CompletedMonths)+1)
	months = append(months, rec.CompletedMonths...)
	months = append(months, m)
	rec.CompletedMonths = normalizeMonths(months)

	return s.with(targetID, rec), true
}

// WithAttempt returns a copy of s with the last attempt of targetID set to at.
func (s State) WithAttempt(targetID string, at time.Time) State {
	rec := s.Record(targetID)
	ts := at.UTC()
	rec.LastAttemptAt = &ts
	return s.with(targetID, rec)
}

func (s State) with(targetID string, rec Record) State {
	next := State{Targets: make(map[string]Record, len(s.Targets)+1)}
	for id, r := range s.Targets {
		next.Targets[id] = r
	}
	next.Targets[targetID] = rec
	return next
}

func normalizeMonths(months []month.Month) []month.Month {
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	out := months[:0]
	for i, m := range months {
		if i > 0 && m == out[len(out)-1] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Store defines the interface for progress persistence. RecordCompletion
// and RecordAttempt are the only mutation entry points; each performs its
// own load-modify-save.
type Store interface {
	Load(ctx context.Context) (State, error)
	RecordCompletion(ctx context.Context, targetID string, m month.Month, now time.Time) error
	RecordAttempt(ctx context.Context, targetID string, at time.Time) error

	Close() error
}
