package planner

import (
	"fmt"
	"strings"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/checkpoint"
	"chatbackup/internal/month"
)

// EarliestMonth is the first month any platform history can exist in.
var EarliestMonth = month.New(2015, time.January)

// PlanChunks returns the months of target still requiring export, in
// ascending order, from max(target.StartMonth, EarliestMonth) through the
// month containing today. Months recorded as completed are skipped, except
// the current month, which is always included.
func PlanChunks(target backup.Target, record checkpoint.Record, today time.Time) ([]backup.Chunk, error) {
	if !target.StartMonth.Valid() {
		return nil, fmt.Errorf("%w: target %q has no valid start month", backup.ErrInvalidConfiguration, target.ID)
	}

	current := month.Of(today)
	start := target.StartMonth
	if start.Before(EarliestMonth) {
		start = EarliestMonth
	}

	var chunks []backup.Chunk
	for m := start; !m.After(current); m = m.Next() {
		if m != current && record.IsCompleted(m) {
			continue
		}
		chunks = append(chunks, backup.Chunk{TargetID: target.ID, Month: m})
	}

	return chunks, nil
}

// Describe renders a short list of chunk months for log output.
func Describe(chunks []backup.Chunk) string {
	const shown = 5

	names := make([]string, 0, shown)
	for i, c := range chunks {
		if i == shown {
			break
		}
		names = append(names, c.Month.String())
	}

	out := "[" + strings.Join(names, ", ")
	if len(chunks) > shown {
		out += ", ..."
	}
	return out + "]"
}
