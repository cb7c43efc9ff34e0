package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatbackup/internal/backup"
	"chatbackup/internal/month"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "metadata.json"), 5*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := newTestStore(t)

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Targets)
}

func TestFileStore_RecordAndReload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2020, time.March, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordCompletion(ctx, "guild-1", month.New(2020, time.February), now))
	require.NoError(t, store.RecordCompletion(ctx, "guild-1", month.New(2020, time.January), now))
	require.NoError(t, store.RecordCompletion(ctx, "guild-1", month.New(2020, time.January), now))
	require.NoError(t, store.RecordAttempt(ctx, "guild-1", now))

	reopened, err := NewFileStore(store.Path(), time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	state, err := reopened.Load(ctx)
	require.NoError(t, err)

	rec := state.Record("guild-1")
	assert.Equal(t, []month.Month{month.New(2020, time.January), month.New(2020, time.February)}, rec.CompletedMonths)
	require.NotNil(t, rec.LastAttemptAt)
	assert.True(t, now.Equal(*rec.LastAttemptAt))
}

func TestFileStore_NeverRecordsCurrentMonth(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2020, time.March, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordCompletion(ctx, "guild-1", month.New(2020, time.March), now))
	require.NoError(t, store.RecordCompletion(ctx, "guild-1", month.New(2020, time.April), now))

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Record("guild-1").CompletedMonths)

	_, statErr := os.Stat(store.Path())
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no-op mutations must not create the file")
}

func TestFileStore_CorruptStateIsRecoverable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"targets": {`), 0o644))

	state, err := store.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backup.ErrCorruptState))
	assert.Empty(t, state.Targets)

	now := time.Date(2020, time.March, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordAttempt(ctx, "guild-1", now))

	state, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Record("guild-1").LastAttemptAt)
}

func TestFileStore_LoadsLegacyLayout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	legacy := `{
  "completedMonthlyBackups": {"123456789012345678": ["2021-02", "2021-01"]},
  "lastBackupAttempts": {"123456789012345678": "2021-03-04T05:06:07.123456Z"}
}`
	require.NoError(t, os.WriteFile(store.Path(), []byte(legacy), 0o644))

	state, err := store.Load(ctx)
	require.NoError(t, err)

	rec := state.Record("123456789012345678")
	assert.Equal(t, []month.Month{month.New(2021, time.January), month.New(2021, time.February)}, rec.CompletedMonths)
	require.NotNil(t, rec.LastAttemptAt)
	assert.Equal(t, 2021, rec.LastAttemptAt.Year())

	// The next save rewrites the file in the current layout.
	require.NoError(t, store.RecordAttempt(ctx, "other", time.Now()))
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"targets"`)
	assert.NotContains(t, string(data), "completedMonthlyBackups")

	state, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Record("123456789012345678").CompletedMonths, 2)
}

func TestFileStore_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	other, err := NewFileStore(store.Path(), 10*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i, s := range []*FileStore{store, other} {
		wg.Add(1)
		go func(offset int, s *FileStore) {
			defer wg.Done()
			for m := 1; m <= 6; m++ {
				mon := month.New(2020+offset, time.Month(m))
				assert.NoError(t, s.RecordCompletion(ctx, "guild-1", mon, now))
			}
		}(i, s)
	}
	wg.Wait()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, state.Record("guild-1").CompletedMonths, 12)
}

func TestFileStore_ClosedRejectsWrites(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	err := store.RecordAttempt(context.Background(), "guild-1", time.Now())
	assert.Error(t, err)
}

func TestRecord_IsCompleted(t *testing.T) {
	rec := Record{CompletedMonths: []month.Month{
		month.New(2020, time.January),
		month.New(2020, time.March),
	}}

	assert.True(t, rec.IsCompleted(month.New(2020, time.January)))
	assert.False(t, rec.IsCompleted(month.New(2020, time.February)))
	assert.True(t, rec.IsCompleted(month.New(2020, time.March)))
	assert.False(t, Record{}.IsCompleted(month.New(2020, time.March)))
}
