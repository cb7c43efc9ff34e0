package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a snapshot of one backup pass.
type Status struct {
	TargetsTotal     int64
	TargetsProcessed int64
	TargetStatuses   map[string]int64

	ChunksPlanned  int64
	ChunksExported int64
	ChunksFailed   int64
	ExportTime     time.Duration

	MediaScanned int64
	MediaLinked  int64
	BytesSaved   int64

	MirrorUploaded int64
	MirrorFailed   int64
	MirrorBytes    int64

	CurrentTarget  string
	CurrentChunk   string
	StartTime      time.Time
	LastUpdateTime time.Time
}

// Tracker tracks the progress of a backup pass. It is safe for concurrent
// use; mirror workers update it from several goroutines.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			TargetStatuses: make(map[string]int64),
			StartTime:      now,
			LastUpdateTime: now,
		},
	}
}

func (t *Tracker) update(fn func(s *Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
	t.status.LastUpdateTime = time.Now()
}

// SetTotal sets the number of targets in the pass.
func (t *Tracker) SetTotal(targets int) {
	t.update(func(s *Status) { s.TargetsTotal = int64(targets) })
}

// StartChunk marks the chunk currently being exported.
func (t *Tracker) StartChunk(target, chunk string) {
	t.update(func(s *Status) {
		s.CurrentTarget = target
		s.CurrentChunk = chunk
	})
}

// AddPlanned adds planned chunks for the current target.
func (t *Tracker) AddPlanned(n int) {
	t.update(func(s *Status) { s.ChunksPlanned += int64(n) })
}

// AddExported records a successfully exported chunk.
func (t *Tracker) AddExported(d time.Duration) {
	t.update(func(s *Status) {
		s.ChunksExported++
		s.ExportTime += d
	})
}

// AddFailed records a chunk whose export failed.
func (t *Tracker) AddFailed(d time.Duration) {
	t.update(func(s *Status) {
		s.ChunksFailed++
		s.ExportTime += d
	})
}

// AddMedia records one deduplication result.
func (t *Tracker) AddMedia(scanned, linked int, saved int64) {
	t.update(func(s *Status) {
		s.MediaScanned += int64(scanned)
		s.MediaLinked += int64(linked)
		s.BytesSaved += saved
	})
}

// AddMirrorSuccess records an uploaded file.
func (t *Tracker) AddMirrorSuccess(bytes int64) {
	t.update(func(s *Status) {
		s.MirrorUploaded++
		s.MirrorBytes += bytes
	})
}

// AddMirrorFailed records a file that could not be uploaded.
func (t *Tracker) AddMirrorFailed() {
	t.update(func(s *Status) { s.MirrorFailed++ })
}

// FinishTarget records the final status of a target.
func (t *Tracker) FinishTarget(status string) {
	t.update(func(s *Status) {
		s.TargetsProcessed++
		s.TargetStatuses[status]++
		s.CurrentTarget = ""
		s.CurrentChunk = ""
	})
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.status
	s.TargetStatuses = make(map[string]int64, len(t.status.TargetStatuses))
	for k, v := range t.status.TargetStatuses {
		s.TargetStatuses[k] = v
	}
	return s
}

// GetProgressPercent returns the share of targets already processed.
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TargetsTotal == 0 {
		return 0
	}

	return float64(t.status.TargetsProcessed) / float64(t.status.TargetsTotal) * 100
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}
