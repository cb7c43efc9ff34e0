package worker

import (
	"context"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatbackup/internal/storage"

	"go.uber.org/zap"
)

// Result is the outcome of processing one task.
type Result int

const (
	ResultUploaded Result = iota
	ResultSkipped
	ResultFailed
)

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config Config
	client storage.Client
	logger *zap.Logger
}

// Process uploads a single file, retrying retriable errors.
func (p *TaskProcessor) Process(ctx context.Context, task Task) Result {
	startTime := time.Now()

	// Check if object exists in destination with same size and is not stale
	if p.config.SkipExisting && p.objectExistsAndMatches(ctx, task) {
		p.logger.Debug("Skipping existing object", zap.String("key", task.Key))
		return ResultSkipped
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retries; attempt++ {
		err := p.upload(ctx, task)
		if err == nil {
			p.logger.Debug("Upload completed",
				zap.String("key", task.Key),
				zap.Int64("size", task.Size),
				zap.Duration("duration", time.Since(startTime)),
			)
			return ResultUploaded
		}

		lastErr = err
		p.logger.Warn("Upload attempt failed",
			zap.String("key", task.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !p.isRetriableError(err) {
			break
		}

		if attempt < p.config.Retries {
			select {
			case <-time.After(p.calculateBackoff(attempt)):
			case <-ctx.Done():
				p.logger.Warn("Upload abandoned", zap.String("key", task.Key), zap.Error(ctx.Err()))
				return ResultFailed
			}
		}
	}

	p.logger.Error("Upload failed after all retries",
		zap.String("key", task.Key),
		zap.Error(lastErr),
	)
	return ResultFailed
}

func (p *TaskProcessor) upload(ctx context.Context, task Task) error {
	f, err := os.Open(task.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", task.Path, err)
	}
	defer f.Close()

	contentType := task.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(task.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return p.client.PutObject(ctx, p.config.Bucket, task.Key, f, task.Size, storage.PutOptions{
		ContentType: contentType,
	})
}

func (p *TaskProcessor) objectExistsAndMatches(ctx context.Context, task Task) bool {
	info, err := p.client.HeadObject(ctx, p.config.Bucket, task.Key)
	if err != nil {
		if !storage.IsNotFound(err) {
			p.logger.Debug("Head object failed", zap.String("key", task.Key), zap.Error(err))
		}
		return false
	}

	if info.Size != task.Size {
		return false
	}
	// Object stores keep LastModified at second precision.
	return !info.LastModified.Before(task.ModTime.Truncate(time.Second))
}

func (p *TaskProcessor) isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if storage.IsServerError(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}

func (p *TaskProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
