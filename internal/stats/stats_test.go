package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStats struct {
	mu      sync.Mutex
	rows    map[string]int64
	descs   map[string]string
	failing bool
}

func newMemStats() *memStats {
	return &memStats{rows: map[string]int64{}, descs: map[string]string{}}
}

func (m *memStats) CreateStatistic(ctx context.Context, key, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	if _, ok := m.rows[key]; !ok {
		m.rows[key] = 0
		m.descs[key] = description
	}
	return nil
}

func (m *memStats) UpdateStatistics(ctx context.Context, deltas map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("store down")
	}
	for k, v := range deltas {
		m.rows[k] += v
	}
	return nil
}

func (m *memStats) get(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key]
}

func (m *memStats) setFailing(f bool) {
	m.mu.Lock()
	m.failing = f
	m.mu.Unlock()
}

type memTracker struct {
	mu     sync.Mutex
	tuples [][4]string
}

func (m *memTracker) AddAssetTrackingTuple(ctx context.Context, service, plugin, asset, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuples = append(m.tuples, [4]string{service, plugin, asset, event})
	return nil
}

func (m *memTracker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tuples)
}

func runCollector(t *testing.T, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = c.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
}

func TestFlushCreatesRowsAndAddsDeltas(t *testing.T) {
	store := newMemStats()
	c := New(store, nil, "svc", "south", nil)
	runCollector(t, c)

	c.AddReadings("pump1", 3)
	c.AddReadings("pump2", 2)
	c.AddDiscarded(1)
	c.Notify()

	require.Eventually(t, func() bool { return store.get(KeyReadings) == 5 },
		2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, store.get("PUMP1"))
	assert.EqualValues(t, 2, store.get("PUMP2"))
	assert.EqualValues(t, 1, store.get(KeyDiscarded))

	store.mu.Lock()
	desc := store.descs["PUMP1"]
	store.mu.Unlock()
	assert.Equal(t, "Readings received for asset pump1", desc)
}

func TestFailedFlushRetainsPending(t *testing.T) {
	store := newMemStats()
	store.setFailing(true)
	c := New(store, nil, "svc", "south", nil)
	runCollector(t, c)

	c.AddReadings("pump1", 4)
	c.Notify()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, store.get("PUMP1"))

	// The store recovers; the retained deltas land on the next tick.
	store.setFailing(false)
	c.Notify()
	require.Eventually(t, func() bool { return store.get("PUMP1") == 4 },
		2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 4, store.get(KeyReadings))
}

func TestAssetTrackerDedupes(t *testing.T) {
	store := newMemStats()
	tracker := &memTracker{}
	c := New(store, tracker, "svc", "south", nil)
	runCollector(t, c)

	for i := 0; i < 3; i++ {
		c.AddReadings("pump1", 1)
		c.Notify()
		require.Eventually(t, func() bool { return store.get(KeyReadings) == int64(i+1) },
			2*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, 1, tracker.count())
	tracker.mu.Lock()
	tuple := tracker.tuples[0]
	tracker.mu.Unlock()
	assert.Equal(t, [4]string{"svc", "south", "pump1", "Ingest"}, tuple)
}

func TestFinalFlushOnShutdown(t *testing.T) {
	store := newMemStats()
	c := New(store, nil, "svc", "south", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = c.Run(ctx) }()

	c.AddReadings("pump1", 7)
	cancel()
	<-done
	assert.EqualValues(t, 7, store.get("PUMP1"))
}
