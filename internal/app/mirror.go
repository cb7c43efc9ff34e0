package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"chatbackup/internal/config"
	"chatbackup/internal/metrics"
	"chatbackup/internal/progress"
	"chatbackup/internal/storage"
	"chatbackup/internal/worker"

	"go.uber.org/zap"
)

// Mirror uploads exported chunk directories to an S3-compatible bucket,
// keyed by their path below the export directory.
type Mirror struct {
	client     storage.Client
	cfg        config.S3Config
	exportRoot string
	metrics    *metrics.Collector
	logger     *zap.Logger

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewMirror creates a mirror uploader.
func NewMirror(client storage.Client, cfg config.S3Config, exportRoot string, m *metrics.Collector, logger *zap.Logger) *Mirror {
	return &Mirror{
		client:     client,
		cfg:        cfg,
		exportRoot: exportRoot,
		metrics:    m,
		logger:     logger.With(zap.String("bucket", cfg.Bucket)),
	}
}

// Upload copies every file of chunkDir. Links created by deduplication are
// followed, so the mirror holds self-contained chunks.
func (m *Mirror) Upload(ctx context.Context, chunkDir string, tracker *progress.Tracker) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}

	pool := worker.NewPool(m.cfg.Concurrency, worker.Config{
		Bucket:         m.cfg.Bucket,
		Retries:        m.cfg.Retries,
		RetryBackoffMs: m.cfg.RetryBackoffMs,
		SkipExisting:   true,
	}, m.client, m.metrics, tracker, m.logger)

	tasks := make(chan worker.Task, m.cfg.Concurrency*2)
	var wg sync.WaitGroup
	pool.Start(ctx, tasks, &wg)

	enqueued, err := m.enqueue(ctx, chunkDir, tasks)
	close(tasks)
	wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to list %s: %w", chunkDir, err)
	}

	stats := pool.Stats()
	m.logger.Info("Chunk mirrored",
		zap.String("chunk_dir", chunkDir),
		zap.Int("files", enqueued),
		zap.Int64("uploaded", stats.Uploaded),
		zap.Int64("skipped", stats.Skipped),
		zap.String("size", progress.FormatBytes(stats.Bytes)),
	)
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d files failed to upload", stats.Failed, enqueued)
	}
	return ctx.Err()
}

// ensureBucket checks the bucket until it succeeds once; failures are
// retried on the next upload.
func (m *Mirror) ensureBucket(ctx context.Context) error {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	if m.bucketReady {
		return nil
	}
	if err := m.client.EnsureBucket(ctx, m.cfg.Bucket); err != nil {
		return err
	}
	m.bucketReady = true
	return nil
}

func (m *Mirror) enqueue(ctx context.Context, chunkDir string, tasks chan<- worker.Task) (int, error) {
	count := 0
	err := filepath.WalkDir(chunkDir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".dedup-") {
			return nil
		}

		// Stat follows dedup symlinks to the pooled content.
		info, err := os.Stat(p)
		if err != nil {
			m.logger.Warn("Skipping unreadable file", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		key, err := m.objectKey(p)
		if err != nil {
			return err
		}

		select {
		case tasks <- worker.Task{Path: p, Key: key, Size: info.Size(), ModTime: info.ModTime()}:
			count++
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	return count, err
}

func (m *Mirror) objectKey(p string) (string, error) {
	rel, err := filepath.Rel(m.exportRoot, p)
	if err != nil {
		return "", err
	}
	key := filepath.ToSlash(rel)
	if m.cfg.Prefix != "" {
		key = path.Join(strings.Trim(m.cfg.Prefix, "/"), key)
	}
	return key, nil
}
