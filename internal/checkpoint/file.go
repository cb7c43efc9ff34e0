package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/lockfile"
	"chatbackup/internal/month"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const documentVersion = 1

// document is the on-disk layout. The legacy fields are only ever read:
// they hold the layout written by the original backup script.
type document struct {
	Version int                `json:"version"`
	Targets map[string]*Record `json:"targets"`

	LegacyCompleted map[string][]string `json:"completedMonthlyBackups,omitempty"`
	LegacyAttempts  map[string]string   `json:"lastBackupAttempts,omitempty"`
}

// FileStore implements Store on top of a single JSON file. Every mutation
// holds an exclusive lock on a sibling lock file for its whole
// load-modify-save cycle and replaces the file with an atomic rename.
type FileStore struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a store persisting to path.
func NewFileStore(path string, lockTimeout time.Duration, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if !lockfile.Supported {
		logger.Warn("File locking is not supported on this platform; overlapping runs may lose metadata updates",
			zap.String("path", path))
	}

	return &FileStore{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lockTimeout,
		logger:      logger,
	}, nil
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted state. A missing file yields an empty state. An
// unparsable file yields an empty state together with an error wrapping
// backup.ErrCorruptState so the caller can warn and carry on.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return NewState(), err
	}
	return s.read()
}

// RecordCompletion marks m as finalized for targetID. The month containing
// now is never recorded.
func (s *FileStore) RecordCompletion(ctx context.Context, targetID string, m month.Month, now time.Time) error {
	return s.update(ctx, func(state State) (State, bool) {
		return state.WithCompletion(targetID, m, now)
	})
}

// RecordAttempt stores the time of the latest export attempt for targetID.
func (s *FileStore) RecordAttempt(ctx context.Context, targetID string, at time.Time) error {
	return s.update(ctx, func(state State) (State, bool) {
		return state.WithAttempt(targetID, at), true
	})
}

// Close marks the store closed. Later mutations fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// update is the single write path of the store.
func (s *FileStore) update(ctx context.Context, modify func(State) (State, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("state store is closed")
	}

	lock, err := lockfile.Acquire(ctx, s.lockPath, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("Failed to release state lock", zap.Error(err))
		}
	}()

	state, err := s.read()
	if err != nil {
		if !errors.Is(err, backup.ErrCorruptState) {
			return err
		}
		s.logger.Error("State file corrupted, replacing it with a fresh state",
			zap.String("path", s.path), zap.Error(err))
		state = NewState()
	}

	next, changed := modify(state)
	if !changed {
		return nil
	}

	if err := s.write(next); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	s.logger.Debug("State saved", zap.String("path", s.path), zap.Int("completed_months", next.CompletedCount()))
	return nil
}

func (s *FileStore) read() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return NewState(), fmt.Errorf("failed to read state file: %w", err)
	}

	state, err := decode(data)
	if err != nil {
		return NewState(), fmt.Errorf("%w: %s: %v", backup.ErrCorruptState, s.path, err)
	}
	return state, nil
}

func (s *FileStore) write(state State) error {
	data, err := encode(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

func decode(data []byte) (State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return State{}, fmt.Errorf("empty document")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, err
	}

	state := NewState()
	for id, rec := range doc.Targets {
		if rec == nil {
			continue
		}
		r := *rec
		r.CompletedMonths = normalizeMonths(append([]month.Month(nil), r.CompletedMonths...))
		state.Targets[id] = r
	}

	if doc.Targets == nil && (doc.LegacyCompleted != nil || doc.LegacyAttempts != nil) {
		if err := decodeLegacy(doc, state); err != nil {
			return State{}, err
		}
	}

	return state, nil
}

func decodeLegacy(doc document, state State) error {
	for id, months := range doc.LegacyCompleted {
		rec := state.Targets[id]
		for _, raw := range months {
			m, err := month.Parse(raw)
			if err != nil {
				return fmt.Errorf("legacy completed month for %s: %w", id, err)
			}
			rec.CompletedMonths = append(rec.CompletedMonths, m)
		}
		rec.CompletedMonths = normalizeMonths(rec.CompletedMonths)
		state.Targets[id] = rec
	}

	for id, raw := range doc.LegacyAttempts {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("legacy attempt timestamp for %s: %w", id, err)
		}
		ts = ts.UTC()
		rec := state.Targets[id]
		rec.LastAttemptAt = &ts
		state.Targets[id] = rec
	}
	return nil
}

func encode(state State) ([]byte, error) {
	doc := document{
		Version: documentVersion,
		Targets: make(map[string]*Record, len(state.Targets)),
	}
	for id, rec := range state.Targets {
		r := rec
		if r.CompletedMonths == nil {
			r.CompletedMonths = []month.Month{}
		}
		doc.Targets[id] = &r
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return append(data, '\n'), nil
}
