package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"chatbackup/internal/metrics"
	"chatbackup/internal/progress"
	"chatbackup/internal/storage"

	"go.uber.org/zap"
)

// Pool manages a pool of upload workers
type Pool struct {
	size     int
	config   Config
	client   storage.Client
	metrics  *metrics.Collector
	tracker  *progress.Tracker
	logger   *zap.Logger
	inflight atomic.Int64

	uploaded atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	bytes    atomic.Int64
}

// NewPool creates a new worker pool. metrics and tracker may be nil.
func NewPool(
	size int,
	config Config,
	client storage.Client,
	metricsCollector *metrics.Collector,
	tracker *progress.Tracker,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Pool{
		size:    size,
		config:  config,
		client:  client,
		metrics: metricsCollector,
		tracker: tracker,
		logger:  logger,
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, wg)
	}
}

// Stats returns the results accumulated so far.
func (p *Pool) Stats() Stats {
	return Stats{
		Uploaded: p.uploaded.Load(),
		Skipped:  p.skipped.Load(),
		Failed:   p.failed.Load(),
		Bytes:    p.bytes.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &TaskProcessor{
		config: p.config,
		client: p.client,
		logger: logger,
	}

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}

			p.setInflight(p.inflight.Add(1))
			result := processor.Process(ctx, task)
			p.setInflight(p.inflight.Add(-1))
			p.record(task, result)

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}

func (p *Pool) setInflight(n int64) {
	if p.metrics != nil {
		p.metrics.SetInflightWorkers(int(n))
	}
}

func (p *Pool) record(task Task, result Result) {
	switch result {
	case ResultUploaded:
		p.uploaded.Add(1)
		p.bytes.Add(task.Size)
		if p.metrics != nil {
			p.metrics.IncMirrorSuccess(task.Size)
		}
		if p.tracker != nil {
			p.tracker.AddMirrorSuccess(task.Size)
		}
	case ResultSkipped:
		p.skipped.Add(1)
		if p.metrics != nil {
			p.metrics.IncMirrorSkipped()
		}
	case ResultFailed:
		p.failed.Add(1)
		if p.metrics != nil {
			p.metrics.IncMirrorFailed()
		}
		if p.tracker != nil {
			p.tracker.AddMirrorFailed()
		}
	}
}
