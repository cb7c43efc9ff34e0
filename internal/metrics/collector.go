package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatbackup"

// Collector collects and exposes metrics. Each collector owns its registry
// so several can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	chunksTotal     *prometheus.CounterVec
	targetsTotal    *prometheus.CounterVec
	exportDuration  prometheus.Histogram
	mediaFiles      *prometheus.CounterVec
	mediaBytesSaved prometheus.Counter
	mediaPool       *prometheus.GaugeVec
	mirrorObjects   *prometheus.CounterVec
	mirrorBytes     prometheus.Counter
	inflightWorkers prometheus.Gauge
	lastRun         prometheus.Gauge
	runDuration     prometheus.Histogram
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		chunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Total number of chunk exports by outcome",
			},
			[]string{"outcome"},
		),
		targetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targets_total",
				Help:      "Total number of target visits by final status",
			},
			[]string{"status"},
		),
		exportDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "export_duration_seconds",
				Help:      "Time taken to export one chunk",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
			},
		),
		mediaFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_files_total",
				Help:      "Media files seen by deduplication, by result",
			},
			[]string{"result"},
		),
		mediaBytesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_bytes_saved_total",
				Help:      "Bytes reclaimed by replacing duplicate media with links",
			},
		),
		mediaPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "media_pool_entries",
				Help:      "Distinct media files stored in the pool of a target",
			},
			[]string{"target"},
		),
		mirrorObjects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_objects_total",
				Help:      "Files uploaded to the offsite mirror, by status",
			},
			[]string{"status"},
		),
		mirrorBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_bytes_total",
				Help:      "Total bytes uploaded to the offsite mirror",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mirror_inflight_workers",
				Help:      "Number of mirror workers currently uploading",
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last backup pass finished",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Time taken by a full backup pass",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}

	c.registry.MustRegister(
		c.chunksTotal,
		c.targetsTotal,
		c.exportDuration,
		c.mediaFiles,
		c.mediaBytesSaved,
		c.mediaPool,
		c.mirrorObjects,
		c.mirrorBytes,
		c.inflightWorkers,
		c.lastRun,
		c.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveChunk records one export attempt sequence for a chunk.
func (c *Collector) ObserveChunk(outcome string, duration time.Duration) {
	c.chunksTotal.WithLabelValues(outcome).Inc()
	c.exportDuration.Observe(duration.Seconds())
}

// IncTarget counts a target visit with its final status.
func (c *Collector) IncTarget(status string) {
	c.targetsTotal.WithLabelValues(status).Inc()
}

// AddMedia adds n files to the given deduplication result.
func (c *Collector) AddMedia(result string, n int) {
	if n > 0 {
		c.mediaFiles.WithLabelValues(result).Add(float64(n))
	}
}

// AddBytesSaved adds to the bytes reclaimed by deduplication.
func (c *Collector) AddBytesSaved(bytes int64) {
	if bytes > 0 {
		c.mediaBytesSaved.Add(float64(bytes))
	}
}

// SetMediaPoolEntries sets the number of pooled media files of a target.
func (c *Collector) SetMediaPoolEntries(target string, n int64) {
	c.mediaPool.WithLabelValues(target).Set(float64(n))
}

// IncMirrorSuccess counts one uploaded file and its size.
func (c *Collector) IncMirrorSuccess(bytes int64) {
	c.mirrorObjects.WithLabelValues("success").Inc()
	c.mirrorBytes.Add(float64(bytes))
}

// IncMirrorSkipped counts a file already present on the mirror.
func (c *Collector) IncMirrorSkipped() {
	c.mirrorObjects.WithLabelValues("skipped").Inc()
}

// IncMirrorFailed counts a file that could not be uploaded.
func (c *Collector) IncMirrorFailed() {
	c.mirrorObjects.WithLabelValues("failed").Inc()
}

// SetInflightWorkers sets the number of inflight workers
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// ObserveRun records a finished pass.
func (c *Collector) ObserveRun(finished time.Time, duration time.Duration) {
	c.lastRun.Set(float64(finished.Unix()))
	c.runDuration.Observe(duration.Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics and /healthz on addr until ctx is done.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
