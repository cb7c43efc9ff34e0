package app

import (
	"context"
	"errors"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/planner"
	"chatbackup/internal/throttle"
)

// PlanEntry is the pending work for one target, as the next pass would
// see it.
type PlanEntry struct {
	Target            backup.Target
	Eligible          bool
	ThrottleRemaining time.Duration
	LastAttemptAt     *time.Time
	CompletedMonths   int
	Chunks            []backup.Chunk
	Err               error
}

// Plan reports throttle status and planned chunks for each target without
// exporting anything or writing state.
func (o *Orchestrator) Plan(ctx context.Context, targets []backup.Target) ([]PlanEntry, error) {
	state, err := o.store.Load(ctx)
	if err != nil && !errors.Is(err, backup.ErrCorruptState) {
		return nil, err
	}
	now := o.clock()

	entries := make([]PlanEntry, 0, len(targets))
	for _, target := range targets {
		entry := PlanEntry{Target: target, Err: target.Err}
		if target.Err != nil {
			entries = append(entries, entry)
			continue
		}

		record := state.Record(target.ID)
		entry.LastAttemptAt = record.LastAttemptAt
		entry.CompletedMonths = len(record.CompletedMonths)
		entry.Eligible = throttle.IsEligible(target, record, now)
		entry.ThrottleRemaining = throttle.Remaining(target, record, now)
		entry.Chunks, entry.Err = planner.PlanChunks(target, record, now)

		entries = append(entries, entry)
	}
	return entries, nil
}
