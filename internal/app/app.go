package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/checkpoint"
	"chatbackup/internal/config"
	"chatbackup/internal/dedup"
	"chatbackup/internal/exporter"
	"chatbackup/internal/lockfile"
	"chatbackup/internal/metrics"
	"chatbackup/internal/month"
	"chatbackup/internal/planner"
	"chatbackup/internal/progress"
	"chatbackup/internal/storage"
	"chatbackup/internal/throttle"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RunLockName is the lock file in the export directory that keeps two
// passes from exporting into the same tree.
const RunLockName = ".chatbackup.lock"

// Exporter exports single chunks.
type Exporter interface {
	Export(ctx context.Context, target backup.Target, chunk backup.Chunk, outputDir string) exporter.Result
	CommandLine(target backup.Target, chunk backup.Chunk, outputDir string) string
}

// Deduplicator collapses duplicate media of an exported chunk.
type Deduplicator interface {
	Deduplicate(ctx context.Context, target backup.Target, chunkDir string) (dedup.Result, error)
	Close() error
}

// Uploader copies an exported chunk to offsite storage.
type Uploader interface {
	Upload(ctx context.Context, chunkDir string, tracker *progress.Tracker) error
}

// Clock returns the current time.
type Clock func() time.Time

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStore replaces the metadata store.
func WithStore(s checkpoint.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithExporter replaces the exporter.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithDeduplicator replaces the media deduplicator. nil disables it.
func WithDeduplicator(d Deduplicator) Option {
	return func(o *Orchestrator) {
		o.dedup = d
		o.dedupSet = true
	}
}

// WithUploader replaces the offsite mirror. nil disables it.
func WithUploader(u Uploader) Option {
	return func(o *Orchestrator) {
		o.mirror = u
		o.mirrorSet = true
	}
}

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics replaces the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgressDisplay enables the live status line on a terminal.
func WithProgressDisplay(enabled bool) Option {
	return func(o *Orchestrator) { o.showProgress = enabled }
}

// Orchestrator drives backup passes over all configured targets.
type Orchestrator struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        checkpoint.Store
	exporter     Exporter
	dedup        Deduplicator
	mirror       Uploader
	metrics      *metrics.Collector
	clock        Clock
	showProgress bool

	dedupSet  bool
	mirrorSet bool
}

// New creates an orchestrator wired from cfg. Options replace individual
// components.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	if o.store == nil {
		store, err := checkpoint.NewFileStore(cfg.Backup.StateFile, cfg.Backup.LockTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metadata store: %w", err)
		}
		o.store = store
	}

	if o.exporter == nil {
		o.exporter = exporter.New(exporter.Config{
			Executable:    cfg.Export.ExporterPath,
			Timeout:       cfg.Export.Timeout,
			Retries:       cfg.Export.Retries,
			RetryBackoff:  cfg.Export.RetryBackoff,
			MinInterval:   cfg.Export.MinInterval,
			RequireOutput: cfg.Export.RequireOutput,
			ExtraArgs:     cfg.Export.ExtraArgs,
		}, nil, logger)
	}

	if !o.dedupSet && cfg.Media.Enabled {
		o.dedup = dedup.New(dedup.Config{
			LinkMode:    cfg.Media.LinkMode,
			HashWorkers: cfg.Media.HashWorkers,
		}, cfg.Backup.ExportDir, nil, logger)
	}

	if !o.mirrorSet && cfg.Mirror.Enabled {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
			Secure:    cfg.Mirror.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mirror client: %w", err)
		}
		o.mirror = NewMirror(client, cfg.Mirror, cfg.Backup.ExportDir, o.metrics, logger)
	}

	return o, nil
}

// Metrics returns the collector the orchestrator reports to.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Run executes one backup pass over targets. Per-target failures are
// reported in the summary; the returned error is reserved for failures
// that prevented the pass from running at all.
func (o *Orchestrator) Run(ctx context.Context, targets []backup.Target) (*Summary, error) {
	runID := uuid.NewString()
	logger := o.logger.With(zap.String("run_id", runID))
	dryRun := o.cfg.Backup.DryRun

	summary := &Summary{
		RunID:   runID,
		Started: o.clock(),
		DryRun:  dryRun,
	}

	if !dryRun {
		lock, err := lockfile.TryAcquire(filepath.Join(o.cfg.Backup.ExportDir, RunLockName))
		if errors.Is(err, lockfile.ErrLocked) {
			logger.Warn("Another backup pass is in progress, skipping this one",
				zap.String("lock", filepath.Join(o.cfg.Backup.ExportDir, RunLockName)))
			summary.Locked = true
			summary.Finished = o.clock()
			return summary, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		logger.Debug("Acquired run lock", zap.String("lock", lock.Path()))
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting backup pass",
		zap.Int("targets", len(targets)),
		zap.String("export_dir", o.cfg.Backup.ExportDir),
		zap.String("state_file", o.cfg.Backup.StateFile),
		zap.Bool("dry_run", dryRun),
		zap.Bool("dedup", o.dedup != nil),
		zap.Bool("mirror", o.mirror != nil),
	)

	tracker := progress.NewTracker()
	tracker.SetTotal(len(targets))

	var display *progress.Display
	if o.showProgress && !dryRun && progress.IsTerminalSupported() {
		display = progress.NewDisplay(tracker, 2*time.Second, os.Stdout)
		display.Start()
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			logger.Warn("Backup pass interrupted", zap.Error(ctx.Err()))
			break
		}

		result := o.processTarget(ctx, logger, target, tracker)
		summary.Targets = append(summary.Targets, result)
		tracker.FinishTarget(string(result.Status))
		o.metrics.IncTarget(string(result.Status))
	}

	if display != nil {
		display.Stop()
	}

	summary.Finished = o.clock()
	summary.Stats = tracker.GetStatus()
	o.metrics.ObserveRun(summary.Finished, summary.Finished.Sub(summary.Started))
	o.logSummary(logger, summary)

	return summary, ctx.Err()
}

func (o *Orchestrator) processTarget(ctx context.Context, logger *zap.Logger, target backup.Target, tracker *progress.Tracker) TargetResult {
	result := TargetResult{TargetID: target.ID, Name: target.Name}
	logger = logger.With(zap.String("target", target.ID), zap.String("name", target.Name))

	if target.Err != nil {
		logger.Error("Target configuration is invalid", zap.Error(target.Err))
		result.Status = StatusInvalidConfig
		result.Err = target.Err
		return result
	}

	state, err := o.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, backup.ErrCorruptState) {
			logger.Error("Failed to load metadata", zap.Error(err))
			result.Status = StatusFailed
			result.Err = err
			return result
		}
		logger.Warn("Metadata is corrupt, treating every month as pending", zap.Error(err))
	}
	record := state.Record(target.ID)

	now := o.clock()
	if !throttle.IsEligible(target, record, now) {
		result.Status = StatusThrottled
		result.ThrottleRemaining = throttle.Remaining(target, record, now)
		since, _ := throttle.Since(record, now)
		logger.Info("Skipped: throttled",
			zap.Duration("since_last_attempt", since),
			zap.Duration("remaining", result.ThrottleRemaining),
			zap.Float64("throttle_hours", target.Throttle.Hours()),
		)
		return result
	}

	chunks, err := planner.PlanChunks(target, record, now)
	if err != nil {
		logger.Error("Failed to plan chunks", zap.Error(err))
		result.Status = StatusInvalidConfig
		result.Err = err
		return result
	}
	result.Planned = len(chunks)
	tracker.AddPlanned(len(chunks))

	if len(chunks) == 0 {
		logger.Info("Up to date")
		result.Status = StatusUpToDate
		return result
	}

	logger.Info("Planned chunks",
		zap.Int("count", len(chunks)),
		zap.String("months", planner.Describe(chunks)),
	)

	if o.cfg.Backup.DryRun {
		for _, chunk := range chunks {
			dir := chunk.Dir(o.cfg.Backup.ExportDir, target)
			logger.Info("Would export chunk",
				zap.String("month", chunk.Month.String()),
				zap.String("command", o.exporter.CommandLine(target, chunk, dir)),
			)
		}
		result.Status = StatusSkippedDryRun
		return result
	}

	attempted := false
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		done, exported, err := o.processChunk(ctx, logger, target, chunk, now, tracker, &result)
		attempted = attempted || exported
		if err != nil {
			result.Err = err
			break
		}
		if !done {
			break
		}
	}

	// The throttle window starts when the target was picked up, not when its
	// exports finished.
	if attempted {
		if err := o.store.RecordAttempt(ctx, target.ID, now); err != nil {
			logger.Error("Failed to record attempt", zap.Error(err))
			result.Err = multierr.Append(result.Err, err)
		}
	}

	result.Status = finalStatus(result)
	return result
}

// processChunk handles one planned chunk. done is false when the target
// must stop for this pass; exported reports whether the exporter ran.
func (o *Orchestrator) processChunk(
	ctx context.Context,
	logger *zap.Logger,
	target backup.Target,
	chunk backup.Chunk,
	now time.Time,
	tracker *progress.Tracker,
	result *TargetResult,
) (done, exported bool, err error) {
	logger = logger.With(zap.String("month", chunk.Month.String()))
	dir := chunk.Dir(o.cfg.Backup.ExportDir, target)
	finalized := chunk.Month.Before(month.Of(now))
	marker := filepath.Join(dir, backup.CompletionMarker)

	if finalized {
		hasMarker, err := exists(marker)
		if err != nil {
			logger.Warn("Failed to check completion marker", zap.Error(err))
		}
		if hasMarker && o.cfg.Backup.TrustMarkers {
			// A marker without a record can be left behind by a failed or
			// interrupted deduplication; finish it before recording.
			if err := o.deduplicate(ctx, logger, target, dir, tracker, result); err != nil {
				logger.Warn("Media deduplication failed, month stays pending", zap.Error(err))
				return true, false, nil
			}
			if err := o.store.RecordCompletion(ctx, target.ID, chunk.Month, now); err != nil {
				logger.Error("Failed to record completion", zap.Error(err))
				return false, false, err
			}
			logger.Info("Recovered completed month from marker")
			result.Recovered++
			return true, false, nil
		}
		if !hasMarker && nonEmptyDir(dir) {
			logger.Warn("Chunk directory holds an incomplete earlier attempt, exporting it again",
				zap.String("dir", dir))
		}
	}

	tracker.StartChunk(target.Name, chunk.Month.String())
	res := o.exporter.Export(ctx, target, chunk, dir)
	o.metrics.ObserveChunk(string(res.Outcome), res.Duration)

	if res.Outcome != backup.OutcomeSuccess {
		tracker.AddFailed(res.Duration)
		result.FailedMonth = chunk.Month
		result.Outcome = res.Outcome
		result.Detail = res.Detail
		logger.Warn("Chunk export failed, stopping target for this pass",
			zap.String("outcome", string(res.Outcome)),
			zap.Int("exit_code", res.ExitCode),
			zap.Int("attempts", res.Attempts),
			zap.String("detail", res.Detail),
			zap.Error(res.Err),
		)
		return false, true, nil
	}

	tracker.AddExported(res.Duration)
	result.Exported++
	logger.Info("Chunk exported",
		zap.Duration("duration", res.Duration),
		zap.Int("attempts", res.Attempts),
	)

	dedupErr := o.deduplicate(ctx, logger, target, dir, tracker, result)
	if dedupErr != nil {
		logger.Error("Media deduplication failed", zap.Error(dedupErr))
	}

	if finalized {
		if err := os.WriteFile(marker, []byte(o.clock().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
			logger.Warn("Failed to write completion marker", zap.Error(err))
		}
		// Without a record the marker brings the month back on the next
		// pass, where deduplication is retried without exporting again.
		if dedupErr != nil {
			logger.Warn("Completion deferred until media deduplication succeeds")
		} else if err := o.store.RecordCompletion(ctx, target.ID, chunk.Month, now); err != nil {
			logger.Error("Failed to record completion", zap.Error(err))
			return false, true, err
		}
	}

	if o.mirror != nil {
		if err := o.mirror.Upload(ctx, dir, tracker); err != nil {
			logger.Warn("Mirror upload incomplete", zap.Error(err))
		}
	}

	return true, true, nil
}

// deduplicate runs the media deduplicator over dir, if one is configured,
// and accounts for its result.
func (o *Orchestrator) deduplicate(
	ctx context.Context,
	logger *zap.Logger,
	target backup.Target,
	dir string,
	tracker *progress.Tracker,
	result *TargetResult,
) error {
	if o.dedup == nil {
		return nil
	}

	media, err := o.dedup.Deduplicate(ctx, target, dir)
	result.MediaScanned += media.Scanned
	result.MediaLinked += media.Linked
	result.BytesSaved += media.BytesSaved
	tracker.AddMedia(media.Scanned, media.Linked, media.BytesSaved)
	o.metrics.AddMedia("linked", media.Linked)
	o.metrics.AddMedia("new", media.NewCanonical+media.Reseeded)
	o.metrics.AddMedia("already_linked", media.AlreadyLinked)
	o.metrics.AddBytesSaved(media.BytesSaved)
	if err == nil && media.PoolEntries > 0 {
		o.metrics.SetMediaPoolEntries(target.ID, media.PoolEntries)
		logger.Debug("Media pool size", zap.Int64("entries", media.PoolEntries))
	}
	return err
}

func finalStatus(r TargetResult) TargetStatus {
	switch {
	case r.Outcome == backup.OutcomeAuth:
		return StatusAuthFailure
	case r.Outcome == "" && r.Err == nil:
		return StatusCompleted
	case r.Exported > 0 || r.Recovered > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func (o *Orchestrator) logSummary(logger *zap.Logger, s *Summary) {
	for _, t := range s.Targets {
		fields := []zap.Field{
			zap.String("target", t.TargetID),
			zap.String("name", t.Name),
			zap.String("status", string(t.Status)),
			zap.Int("planned", t.Planned),
			zap.Int("exported", t.Exported),
		}
		if t.Recovered > 0 {
			fields = append(fields, zap.Int("recovered", t.Recovered))
		}
		if t.Outcome != "" {
			fields = append(fields, zap.String("failed_month", t.FailedMonth.String()), zap.String("outcome", string(t.Outcome)))
		}
		if t.BytesSaved > 0 {
			fields = append(fields, zap.String("media_saved", progress.FormatBytes(t.BytesSaved)))
		}
		if t.Err != nil {
			fields = append(fields, zap.Error(t.Err))
		}

		switch t.Status {
		case StatusInvalidConfig, StatusAuthFailure:
			logger.Error("Target needs attention", fields...)
		case StatusFailed, StatusPartial:
			logger.Warn("Target incomplete, will retry on a later pass", fields...)
		default:
			logger.Info("Target finished", fields...)
		}
	}

	logger.Info("Backup pass finished",
		zap.Int("targets", len(s.Targets)),
		zap.Int("completed", s.Count(StatusCompleted)),
		zap.Int("up_to_date", s.Count(StatusUpToDate)),
		zap.Int("throttled", s.Count(StatusThrottled)),
		zap.Int("partial", s.Count(StatusPartial)),
		zap.Int("failed", s.Count(StatusFailed)),
		zap.Int64("chunks_exported", s.Stats.ChunksExported),
		zap.String("media_saved", progress.FormatBytes(s.Stats.BytesSaved)),
		zap.Duration("duration", s.Finished.Sub(s.Started)),
		zap.Bool("needs_attention", s.NeedsAttention()),
	)
}

// Close cleans up resources
func (o *Orchestrator) Close() error {
	var err error
	if o.dedup != nil {
		err = multierr.Append(err, o.dedup.Close())
	}
	if o.store != nil {
		err = multierr.Append(err, o.store.Close())
	}
	return err
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func nonEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
