package backup

import (
	"errors"
	"path/filepath"
	"time"

	"chatbackup/internal/month"
)

// Error taxonomy shared by all components.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrAuthFailure          = errors.New("authentication failure")
	ErrRateLimited          = errors.New("rate limited")
	ErrTransientFailure     = errors.New("transient failure")
	ErrCorruptState         = errors.New("corrupt state")
)

// Kind selects the exporter sub-command for a target.
type Kind string

const (
	KindGuild Kind = "guild"
	KindDM    Kind = "dm"
)

// DMTargetID is the configured id that selects direct messages.
const DMTargetID = "@me"

// Target is one account/channel pair to back up. Targets are built from
// configuration and never change during a run.
type Target struct {
	ID             string
	Name           string
	Kind           Kind
	CredentialName string
	Credential     string
	StartMonth     month.Month
	Enabled        bool
	Throttle       time.Duration

	// Err is set when the configured entry could not be validated or its
	// credential could not be resolved. Such targets are reported but never
	// exported.
	Err error
}

// Dir is the root output directory of the target.
func (t Target) Dir(exportRoot string) string {
	return filepath.Join(exportRoot, t.Name)
}

// MediaDir is the deduplicated media pool of the target.
func (t Target) MediaDir(exportRoot string) string {
	return filepath.Join(t.Dir(exportRoot), MediaPoolDir)
}

// MediaPoolDir is the directory name of the per-target media pool.
const MediaPoolDir = "_media"

// ChunkMediaDir is the sub-directory the exporter writes chunk media into.
const ChunkMediaDir = "media"

// CompletionMarker is written into a finalized chunk directory after a
// successful export.
const CompletionMarker = ".complete"

// Chunk is one calendar month of work for a target.
type Chunk struct {
	TargetID string
	Month    month.Month
}

// Dir returns <export root>/<target name>/<YYYY>/<MM>.
func (c Chunk) Dir(exportRoot string, target Target) string {
	return filepath.Join(target.Dir(exportRoot), c.Month.YearDir(), c.Month.MonthDir())
}

func (c Chunk) String() string {
	return c.TargetID + "/" + c.Month.String()
}

// Outcome classifies a single exporter invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeAuth      Outcome = "auth_failure"
	OutcomeRateLimit Outcome = "rate_limited"
	OutcomeTransient Outcome = "transient_failure"
)

// Err maps a failed outcome onto the error taxonomy. It returns nil for
// OutcomeSuccess.
func (o Outcome) Err() error {
	switch o {
	case OutcomeSuccess:
		return nil
	case OutcomeAuth:
		return ErrAuthFailure
	case OutcomeRateLimit:
		return ErrRateLimited
	default:
		return ErrTransientFailure
	}
}
