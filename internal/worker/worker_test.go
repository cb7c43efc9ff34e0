package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatbackup/internal/metrics"
	"chatbackup/internal/progress"
	"chatbackup/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memClient struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	putErrs  []error
	puts     int
	contents map[string]string
}

func newMemClient() *memClient {
	return &memClient{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		contents: make(map[string]string),
	}
}

func (c *memClient) PutObject(_ context.Context, _ string, key string, r io.Reader, _ int64, opts storage.PutOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if len(c.putErrs) > 0 {
		err := c.putErrs[0]
		c.putErrs = c.putErrs[1:]
		if err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.objects[key] = data
	c.modified[key] = time.Now()
	c.contents[key] = opts.ContentType
	return nil
}

func (c *memClient) HeadObject(_ context.Context, _ string, key string) (storage.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[key]
	if !ok {
		return storage.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: c.modified[key]}, nil
}

func (c *memClient) EnsureBucket(context.Context, string) error { return nil }

func writeTask(t *testing.T, name, content string) Task {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return Task{Path: path, Key: "backups/" + name, Size: int64(len(content))}
}

func newProcessor(t *testing.T, c storage.Client) *TaskProcessor {
	return &TaskProcessor{
		config: Config{Bucket: "b", Retries: 3, RetryBackoffMs: 1, SkipExisting: true},
		client: c,
		logger: zaptest.NewLogger(t),
	}
}

func TestProcess_UploadsAndSkipsExisting(t *testing.T) {
	c := newMemClient()
	p := newProcessor(t, c)
	task := writeTask(t, "2020-01.json", `{"messages":[]}`)

	assert.Equal(t, ResultUploaded, p.Process(context.Background(), task))
	assert.Equal(t, `{"messages":[]}`, string(c.objects[task.Key]))
	assert.Equal(t, "application/json", c.contents[task.Key])

	assert.Equal(t, ResultSkipped, p.Process(context.Background(), task))
	assert.Equal(t, 1, c.puts)
}

func TestProcess_ReuploadsChangedFileOfSameSize(t *testing.T) {
	c := newMemClient()
	p := newProcessor(t, c)
	task := writeTask(t, "2020-03.json", `{"messages":[1]}`)

	require.Equal(t, ResultUploaded, p.Process(context.Background(), task))

	require.NoError(t, os.WriteFile(task.Path, []byte(`{"messages":[2]}`), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(task.Path, later, later))
	task.ModTime = later

	assert.Equal(t, ResultUploaded, p.Process(context.Background(), task))
	assert.Equal(t, `{"messages":[2]}`, string(c.objects[task.Key]))
	assert.Equal(t, 2, c.puts)
}

func TestProcess_RetriesServerErrors(t *testing.T) {
	c := newMemClient()
	c.putErrs = []error{minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}, nil}
	p := newProcessor(t, c)

	assert.Equal(t, ResultUploaded, p.Process(context.Background(), writeTask(t, "a.png", "x")))
	assert.Equal(t, 2, c.puts)
}

func TestProcess_DoesNotRetryPermanentErrors(t *testing.T) {
	c := newMemClient()
	c.putErrs = []error{minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}}
	p := newProcessor(t, c)

	assert.Equal(t, ResultFailed, p.Process(context.Background(), writeTask(t, "a.png", "x")))
	assert.Equal(t, 1, c.puts)
}

func TestIsRetriableError(t *testing.T) {
	p := newProcessor(t, newMemClient())
	assert.True(t, p.isRetriableError(errors.New("dial tcp: connection refused")))
	assert.True(t, p.isRetriableError(minio.ErrorResponse{StatusCode: 500}))
	assert.False(t, p.isRetriableError(errors.New("access denied")))
	assert.False(t, p.isRetriableError(nil))
}

func TestPool_ProcessesAllTasks(t *testing.T) {
	c := newMemClient()
	c.putErrs = []error{errors.New("access denied")}
	collector := metrics.New()
	tracker := progress.NewTracker()
	pool := NewPool(3, Config{Bucket: "b", Retries: 2, RetryBackoffMs: 1}, c, collector, tracker, zaptest.NewLogger(t))

	tasks := make(chan Task, 10)
	var wg sync.WaitGroup
	pool.Start(context.Background(), tasks, &wg)
	for i := 0; i < 5; i++ {
		tasks <- writeTask(t, "f"+string(rune('a'+i)), "12345")
	}
	close(tasks)
	wg.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.Uploaded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(20), stats.Bytes)
	assert.Equal(t, int64(4), tracker.GetStatus().MirrorUploaded)
}
