package exporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbackup/internal/backup"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config contains exporter invocation settings.
type Config struct {
	Executable    string
	Timeout       time.Duration
	Retries       int
	RetryBackoff  time.Duration
	MinInterval   time.Duration
	RequireOutput bool
	ExtraArgs     []string
}

// Result describes the outcome of exporting one chunk.
type Result struct {
	Outcome  backup.Outcome
	ExitCode int
	Attempts int
	Duration time.Duration
	// Detail is the tail of the exporter's error output, if any.
	Detail string
	Err    error
}

// Invoker runs the exporter for single chunks.
type Invoker struct {
	cfg     Config
	runner  Runner
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates an invoker. A zero MinInterval disables pacing.
func New(cfg Config, runner Runner, logger *zap.Logger) *Invoker {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Invoker{
		cfg:     cfg,
		runner:  runner,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// CommandLine returns the redacted command that Export would run.
func (i *Invoker) CommandLine(target backup.Target, chunk backup.Chunk, outputDir string) string {
	return Redact(i.cfg.Executable, BuildArgs(target, chunk, outputDir, i.cfg.ExtraArgs))
}

// Export runs the exporter for chunk into outputDir and classifies the
// result. Transient failures are retried up to Config.Retries times;
// authentication failures and rate limiting are returned immediately.
func (i *Invoker) Export(ctx context.Context, target backup.Target, chunk backup.Chunk, outputDir string) Result {
	logger := i.logger.With(zap.String("target", target.ID), zap.String("month", chunk.Month.String()))
	start := time.Now()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{
			Outcome: backup.OutcomeTransient,
			Err:     fmt.Errorf("%w: create output directory: %v", backup.ErrTransientFailure, err),
		}
	}

	args := BuildArgs(target, chunk, outputDir, i.cfg.ExtraArgs)
	logger.Info("Running exporter", zap.String("command", Redact(i.cfg.Executable, args)))

	b := backoff.NewExponentialBackOff()
	if i.cfg.RetryBackoff > 0 {
		b.InitialInterval = i.cfg.RetryBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(i.cfg.Retries, 0))), ctx)

	var result Result
	attempts := 0
	op := func() error {
		attempts++
		result = i.runOnce(ctx, args, outputDir)
		switch result.Outcome {
		case backup.OutcomeSuccess:
			return nil
		case backup.OutcomeTransient:
			if ctx.Err() != nil {
				return backoff.Permanent(result.Err)
			}
			return result.Err
		default:
			return backoff.Permanent(result.Err)
		}
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Exporter attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	_ = backoff.RetryNotify(op, policy, notify)

	result.Attempts = attempts
	result.Duration = time.Since(start)
	return result
}

func (i *Invoker) runOnce(ctx context.Context, args []string, outputDir string) Result {
	if err := i.limiter.Wait(ctx); err != nil {
		return Result{
			Outcome:  backup.OutcomeTransient,
			ExitCode: -1,
			Err:      fmt.Errorf("%w: waiting for exporter slot: %v", backup.ErrTransientFailure, err),
		}
	}

	runCtx := ctx
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, runErr := i.runner.Run(runCtx, i.cfg.Executable, args)
	timedOut := errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil

	if runErr != nil && !timedOut {
		return Result{
			Outcome:  backup.OutcomeTransient,
			ExitCode: out.ExitCode,
			Detail:   tail(out.Stderr),
			Err:      fmt.Errorf("%w: exporter did not complete: %v", backup.ErrTransientFailure, runErr),
		}
	}

	wrote := wroteDataFiles(outputDir, started)
	outcome := Classify(out.ExitCode, out.Stdout+"\n"+out.Stderr, timedOut, wrote, i.cfg.RequireOutput)

	result := Result{
		Outcome:  outcome,
		ExitCode: out.ExitCode,
		Detail:   tail(out.Stderr),
	}

	switch {
	case outcome == backup.OutcomeSuccess:
	case timedOut:
		result.Err = fmt.Errorf("%w: exporter exceeded timeout of %v", outcome.Err(), i.cfg.Timeout)
	case out.ExitCode == 0:
		result.Err = fmt.Errorf("%w: exporter exited cleanly but wrote no data files", outcome.Err())
	default:
		result.Err = fmt.Errorf("%w: exporter exited with code %d", outcome.Err(), out.ExitCode)
	}

	i.logger.Debug("Exporter finished",
		zap.Int("exit_code", out.ExitCode),
		zap.String("outcome", string(outcome)),
		zap.String("stdout", tail(out.Stdout)),
		zap.String("stderr", tail(out.Stderr)),
	)
	return result
}

// wroteDataFiles reports whether outputDir holds a data file modified
// since the run started.
func wroteDataFiles(outputDir string, since time.Time) bool {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return false
	}

	threshold := since.Truncate(time.Second)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(threshold) {
			return true
		}
	}
	return false
}

func tail(s string) string {
	const keep = 2000
	s = strings.TrimSpace(s)
	if len(s) > keep {
		return s[len(s)-keep:]
	}
	return s
}
