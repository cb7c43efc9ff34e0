package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New()

	c.ObserveChunk("success", 2*time.Second)
	c.ObserveChunk("success", time.Second)
	c.ObserveChunk("rate_limited", time.Second)
	c.IncTarget("partial")
	c.AddMedia("linked", 3)
	c.AddMedia("linked", 0)
	c.AddBytesSaved(1024)
	c.AddBytesSaved(-1)
	c.IncMirrorSuccess(10)
	c.IncMirrorFailed()
	c.SetMediaPoolEntries("123456789012345678", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunksTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.targetsTotal.WithLabelValues("partial")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.mediaFiles.WithLabelValues("linked")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.mediaBytesSaved))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.mirrorBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mirrorObjects.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.mediaPool.WithLabelValues("123456789012345678")))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncTarget("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.targetsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.targetsTotal.WithLabelValues("completed")))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.ObserveRun(time.Unix(1700000000, 0), time.Minute)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatbackup_last_run_timestamp_seconds 1.7e+09")
	assert.Contains(t, string(body), "chatbackup_run_duration_seconds_count 1")
}
