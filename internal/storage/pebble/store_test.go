package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/router"
)

type testMetrics struct {
	wrote        int
	read         int
	batchCommits int
}

func (m *testMetrics) ObserveWrite(_ time.Duration, bytes int) { m.wrote += bytes }
func (m *testMetrics) ObserveRead(_ time.Duration, bytes int)  { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(time.Duration, int, int) {
	m.batchCommits++
}

func newTestStore(t *testing.T) (*Store, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), metrics
}

func TestOpenRequiresDataDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestParseFsyncMode(t *testing.T) {
	assert.Equal(t, FsyncModeAlways, ParseFsyncMode("always"))
	assert.Equal(t, FsyncModeInterval, ParseFsyncMode("interval"))
	assert.Equal(t, FsyncModeNever, ParseFsyncMode("never"))
	assert.Equal(t, FsyncModeUnspecified, ParseFsyncMode(""))
}

func TestCheckpointFallback(t *testing.T) {
	s, metrics := newTestStore(t)
	ctx := context.Background()
	region := core.Region{ID: 42}

	_, err := s.GetRegionCheckpoint(ctx, "orders", region)
	assert.True(t, errors.Is(err, &core.Error{Code: core.ErrCodeNotFound}))

	require.NoError(t, s.PutTask(core.TaskInfo{Name: "orders", StartTS: 100}))
	cp, err := s.GetRegionCheckpoint(ctx, "orders", region)
	require.NoError(t, err)
	assert.Equal(t, core.Checkpoint{TS: 100, Provider: core.ProviderTask}, cp)

	require.NoError(t, s.UploadGlobalCheckpoint(ctx, "orders", 200))
	cp, err = s.GetRegionCheckpoint(ctx, "orders", region)
	require.NoError(t, err)
	assert.Equal(t, core.Checkpoint{TS: 200, Provider: core.ProviderGlobal}, cp)

	require.NoError(t, s.PutRegionCheckpoint(ctx, "orders", region.ID, 300))
	cp, err = s.GetRegionCheckpoint(ctx, "orders", region)
	require.NoError(t, err)
	assert.Equal(t, core.Checkpoint{TS: 300, Provider: core.ProviderRegion}, cp)

	assert.Greater(t, metrics.wrote, 0)
	assert.Greater(t, metrics.read, 0)
}

func TestGlobalCheckpointForwardOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UploadGlobalCheckpoint(ctx, "orders", 500))
	require.NoError(t, s.UploadGlobalCheckpoint(ctx, "orders", 400))
	ts, err := s.GlobalCheckpoint("orders")
	require.NoError(t, err)
	assert.Equal(t, core.TimeStamp(500), ts)

	require.NoError(t, s.UploadGlobalCheckpoint(ctx, "orders", 600))
	ts, err = s.GlobalCheckpoint("orders")
	require.NoError(t, err)
	assert.Equal(t, core.TimeStamp(600), ts)
}

func TestClearTaskRemovesOnlyThatTask(t *testing.T) {
	s, metrics := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "a", StartTS: 1}))
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "ab", StartTS: 1}))
	require.NoError(t, s.PutRegionCheckpoint(ctx, "a", 1, 10))
	require.NoError(t, s.PutRegionCheckpoint(ctx, "ab", 1, 20))
	require.NoError(t, s.UploadGlobalCheckpoint(ctx, "a", 5))

	require.NoError(t, s.ClearTask("a"))
	assert.Equal(t, 1, metrics.batchCommits)

	_, err := s.Task("a")
	assert.Error(t, err)
	_, err = s.GlobalCheckpoint("a")
	assert.ErrorIs(t, err, ErrNotFound)

	cp, err := s.GetRegionCheckpoint(ctx, "ab", core.Region{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, core.TimeStamp(20), cp.TS)
}

func TestTaskNamesCannotAliasKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "a", StartTS: 1}))

	invalid := &core.Error{Code: core.ErrCodeInvalidRequest}
	assert.ErrorIs(t, s.PutTask(core.TaskInfo{Name: "a/b", StartTS: 1}), invalid)
	assert.ErrorIs(t, s.PutRegionCheckpoint(ctx, "a/b", 7, 99), invalid)
	assert.ErrorIs(t, s.UploadGlobalCheckpoint(ctx, "a/b", 99), invalid)
	assert.ErrorIs(t, s.ClearTask("a/b"), invalid)

	require.NoError(t, s.PutTask(core.TaskInfo{Name: "a-b", StartTS: 1}))
	require.NoError(t, s.PutRegionCheckpoint(ctx, "a-b", 7, 99))
	require.NoError(t, s.ClearTask("a"))
	cp, err := s.GetRegionCheckpoint(ctx, "a-b", core.Region{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, core.Checkpoint{TS: 99, Provider: core.ProviderRegion}, cp)
}

func TestTasksOrderedAndLoaded(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "b", Ranges: []core.KeyRange{{Start: []byte("m")}}}))
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "a", Ranges: []core.KeyRange{{Start: []byte("a"), End: []byte("m")}}}))
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "c", Status: core.TaskStatusPaused}))

	tasks, err := s.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].Name)
	assert.Equal(t, core.TaskStatusRunning, tasks[0].Status)

	r := router.New()
	n, err := LoadTasks(s, r)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, r.Tasks())
}

func TestErrorSinkMarksFailed(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.PutTask(core.TaskInfo{Name: "a", Ranges: []core.KeyRange{{Start: []byte("a"), End: []byte("m")}}}))
	r := router.New()
	_, err := LoadTasks(s, r)
	require.NoError(t, err)

	sink := NewErrorSink(s, r)
	sink.ReportFatal(context.Background(), core.SelectByRange([]byte("b"), []byte("c")), errors.New("retry time exceeds"))

	info, err := s.Task("a")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, info.Status)
	assert.Equal(t, "retry time exceeds", info.LastError)
	assert.Empty(t, r.Tasks())
}

func TestHealth(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pebble", h.Type)
	assert.Equal(t, "connected", h.Status)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("r/b"), prefixUpperBound([]byte("r/a")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
