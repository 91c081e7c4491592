package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/pipeline"
	"github.com/tidemark/tidemark/internal/stats"
	"github.com/tidemark/tidemark/internal/types"
)

// fakeStore records appended readings and can be told to fail.
type fakeStore struct {
	mu       sync.Mutex
	appended []*types.Reading
	batches  int
	failures int // fail this many appends before succeeding
}

func (f *fakeStore) AppendReadings(ctx context.Context, readings []*types.Reading) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return -1, errors.New("store unavailable")
	}
	f.appended = append(f.appended, readings...)
	f.batches++
	return len(readings), nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

// fakeStats satisfies storage.StatisticsStore for the collector.
type fakeStats struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeStats() *fakeStats {
	return &fakeStats{values: map[string]int64{}}
}

func (f *fakeStats) CreateStatistic(ctx context.Context, key, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		f.values[key] = 0
	}
	return nil
}

func (f *fakeStats) UpdateStatistics(ctx context.Context, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range deltas {
		f.values[k] += v
	}
	return nil
}

func (f *fakeStats) get(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func newTestScheduler(t *testing.T, cfg Config, store *fakeStore) (*Scheduler, *fakeStats, func()) {
	t.Helper()
	fs := newFakeStats()
	collector := stats.New(fs, nil, "svc", "plugin", nil)
	s := New(cfg, store, pipeline.New(nil), collector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = s.Run(ctx) }()
	go func() { defer wg.Done(); _ = collector.Run(ctx) }()
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return s, fs, stop
}

func reading(asset string) *types.Reading {
	return &types.Reading{AssetCode: asset, UserTS: time.Now().UTC(), Payload: []byte(`{"v":1}`)}
}

func TestFlushOnThreshold(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestScheduler(t, Config{QueueThreshold: 3, FlushTimeout: time.Minute}, store)

	s.Ingest(reading("a"))
	s.Ingest(reading("a"))
	assert.Zero(t, store.count())

	s.Ingest(reading("a"))
	require.Eventually(t, func() bool { return store.count() == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestFlushOnTimeout(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestScheduler(t, Config{QueueThreshold: 1000, FlushTimeout: 100 * time.Millisecond}, store)

	s.Ingest(reading("a"))
	require.Eventually(t, func() bool { return store.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestStatisticsAccumulate(t *testing.T) {
	store := &fakeStore{}
	s, fs, _ := newTestScheduler(t, Config{QueueThreshold: 2, FlushTimeout: time.Minute}, store)

	s.IngestBatch([]*types.Reading{reading("pump"), reading("pump")})
	require.Eventually(t, func() bool { return fs.get("READINGS") == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, fs.get("PUMP"))
	assert.Zero(t, fs.get("DISCARDED"))
}

func TestResendRetriesUntilStoreRecovers(t *testing.T) {
	store := &fakeStore{failures: 2}
	s, _, _ := newTestScheduler(t, Config{QueueThreshold: 1, FlushTimeout: 50 * time.Millisecond}, store)

	s.Ingest(reading("a"))
	require.Eventually(t, func() bool { return store.count() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestResendDropsHeadAfterRepeatedFailures(t *testing.T) {
	// Ten readings, store permanently failing: after six consecutive
	// failures the first five drop as DISCARDED and the tail keeps
	// cycling.
	store := &fakeStore{failures: 1 << 30}
	s, fs, _ := newTestScheduler(t, Config{QueueThreshold: 10, FlushTimeout: 20 * time.Millisecond}, store)

	batch := make([]*types.Reading, 10)
	for i := range batch {
		batch[i] = reading("a")
	}
	s.IngestBatch(batch)

	require.Eventually(t, func() bool { return fs.get(stats.KeyDiscarded) >= 5 },
		5*time.Second, 10*time.Millisecond)
	assert.Zero(t, store.count())
}

func TestIngestJSONDiscardsMalformed(t *testing.T) {
	store := &fakeStore{}
	s, fs, _ := newTestScheduler(t, Config{QueueThreshold: 100, FlushTimeout: 50 * time.Millisecond}, store)

	accepted, discarded, err := s.IngestJSON([]byte(`{"readings": [
		{"asset_code": "ok", "user_ts": "now()", "reading": {"v": 1}},
		{"asset_code": "bad", "user_ts": "not a date", "reading": {"v": 2}},
		{"user_ts": "now()", "reading": {"v": 3}}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 2, discarded)

	require.Eventually(t, func() bool { return store.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return fs.get(stats.KeyDiscarded) == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestIngestJSONRejectsBadDocument(t *testing.T) {
	store := &fakeStore{}
	s, _, _ := newTestScheduler(t, Config{}, store)
	_, _, err := s.IngestJSON([]byte(`not json`))
	require.Error(t, err)
}

func TestDrainOnShutdown(t *testing.T) {
	store := &fakeStore{}
	s, _, stop := newTestScheduler(t, Config{QueueThreshold: 1000, FlushTimeout: time.Hour}, store)

	s.Ingest(reading("a"))
	s.Ingest(reading("b"))
	stop()
	assert.Equal(t, 2, store.count())
}

func TestQueueDepths(t *testing.T) {
	store := &fakeStore{}
	fs := newFakeStats()
	collector := stats.New(fs, nil, "svc", "plugin", nil)
	s := New(Config{QueueThreshold: 100, FlushTimeout: time.Hour}, store, pipeline.New(nil), collector, nil)

	s.Ingest(reading("a"))
	active, full, resend := s.QueueDepths()
	assert.Equal(t, 1, active)
	assert.Zero(t, full)
	assert.Zero(t, resend)
}

func TestPipelineFiltersBatch(t *testing.T) {
	pipeline.Register("drop-all", func(name string, cfg map[string]any) (pipeline.Filter, error) {
		return &dropAllFilter{name: name}, nil
	})
	store := &fakeStore{}
	fs := newFakeStats()
	collector := stats.New(fs, nil, "svc", "plugin", nil)
	pipe := pipeline.New(nil)
	require.NoError(t, pipe.Load([]pipeline.FilterSpec{{Name: "d", Plugin: "drop-all"}}))
	s := New(Config{QueueThreshold: 1, FlushTimeout: 50 * time.Millisecond}, store, pipe, collector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = s.Run(ctx) }()
	defer func() { cancel(); <-done }()

	s.Ingest(reading("a"))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, store.count())
}

type dropAllFilter struct {
	name string
	out  func(*types.ReadingSet)
}

func (f *dropAllFilter) Name() string                          { return f.name }
func (f *dropAllFilter) Plugin() string                        { return "drop-all" }
func (f *dropAllFilter) SetOutput(out func(*types.ReadingSet)) { f.out = out }
func (f *dropAllFilter) Reconfigure(cfg map[string]any) error  { return nil }
func (f *dropAllFilter) Ingest(set *types.ReadingSet) {
	set.Replace(nil)
	f.out(set)
}
