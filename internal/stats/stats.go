// Package stats accumulates per-asset ingest counters and flushes them to
// the statistics rows after each successful persistence. Flushing is
// asynchronous: the flush worker nudges the stats worker, and failures
// leave the pending deltas in memory for the next tick.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidemark/tidemark/internal/storage"
)

// Aggregate statistics keys, always updated alongside the per-asset rows.
const (
	KeyReadings  = "READINGS"
	KeyDiscarded = "DISCARDED"
)

// Tracker receives first-sight asset tracking tuples. Implemented by the
// management client; nil disables tracking.
type Tracker interface {
	AddAssetTrackingTuple(ctx context.Context, service, plugin, asset, event string) error
}

// Collector owns the pending-counter map and the flush worker.
type Collector struct {
	store   storage.StatisticsStore
	tracker Tracker
	service string
	plugin  string
	log     *slog.Logger

	mu        sync.Mutex
	pending   map[string]int64 // per-asset deltas keyed by asset code
	readings  int64
	discarded int64

	// notify nudges the worker after each successful persistence. The
	// buffer coalesces repeat nudges; a spurious wake is harmless
	// because flush re-checks the pending map.
	notify chan struct{}

	known   map[string]bool // statistics rows known to exist
	tracked map[string]bool // asset-tracker tuples already submitted
}

func New(store storage.StatisticsStore, tracker Tracker, service, plugin string, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		store:   store,
		tracker: tracker,
		service: service,
		plugin:  plugin,
		log:     log,
		pending: make(map[string]int64),
		notify:  make(chan struct{}, 1),
		known:   make(map[string]bool),
		tracked: make(map[string]bool),
	}
}

// AddReadings accounts n persisted readings for asset.
func (c *Collector) AddReadings(asset string, n int64) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.pending[asset] += n
	c.readings += n
	c.mu.Unlock()
}

// AddDiscarded accounts n readings dropped from the pipeline.
func (c *Collector) AddDiscarded(n int64) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.discarded += n
	c.mu.Unlock()
}

// Notify nudges the worker. Non-blocking; repeat nudges coalesce.
func (c *Collector) Notify() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Run is the stats worker loop. It flushes on every nudge until ctx is
// canceled, then makes a final flush of whatever is pending.
func (c *Collector) Run(ctx context.Context) error {
	for {
		select {
		case <-c.notify:
			c.flush(ctx)
		case <-ctx.Done():
			c.flush(context.Background())
			return nil
		}
	}
}

// flush persists the pending deltas. Rows are created on first sight of
// an asset; the aggregate READINGS and DISCARDED rows are always
// included. On failure everything merges back into the pending map.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 && c.readings == 0 && c.discarded == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	readings := c.readings
	discarded := c.discarded
	c.pending = make(map[string]int64)
	c.readings = 0
	c.discarded = 0
	c.mu.Unlock()

	deltas := make(map[string]int64, len(pending)+2)
	for asset, n := range pending {
		key := strings.ToUpper(asset)
		if err := c.ensureRow(ctx, key, fmt.Sprintf("Readings received for asset %s", asset)); err != nil {
			c.log.Warn("statistics row creation failed", "key", key, "error", err)
			c.restore(pending, readings, discarded)
			return
		}
		deltas[key] += n
	}
	if err := c.ensureRow(ctx, KeyReadings, "Readings received by the service"); err == nil {
		deltas[KeyReadings] = readings
	} else {
		c.restore(pending, readings, discarded)
		return
	}
	if err := c.ensureRow(ctx, KeyDiscarded, "Readings discarded at the input side"); err == nil {
		deltas[KeyDiscarded] = discarded
	} else {
		c.restore(pending, readings, discarded)
		return
	}

	if err := c.store.UpdateStatistics(ctx, deltas); err != nil {
		c.log.Warn("statistics update failed, retaining deltas", "error", err)
		c.restore(pending, readings, discarded)
		return
	}

	c.trackAssets(ctx, pending)
}

func (c *Collector) ensureRow(ctx context.Context, key, description string) error {
	if c.known[key] {
		return nil
	}
	if err := c.store.CreateStatistic(ctx, key, description); err != nil {
		return err
	}
	c.known[key] = true
	return nil
}

// restore merges unflushed deltas back. They ride along on the next
// nudge rather than triggering an immediate retry against a store that
// just failed.
func (c *Collector) restore(pending map[string]int64, readings, discarded int64) {
	c.mu.Lock()
	for asset, n := range pending {
		c.pending[asset] += n
	}
	c.readings += readings
	c.discarded += discarded
	c.mu.Unlock()
}

// trackAssets submits an Ingest tracking tuple on first sight of each
// asset. Failures are logged and forgotten; the tuple is retried on the
// asset's next appearance in a flush.
func (c *Collector) trackAssets(ctx context.Context, pending map[string]int64) {
	if c.tracker == nil {
		return
	}
	for asset := range pending {
		if c.tracked[asset] {
			continue
		}
		if err := c.tracker.AddAssetTrackingTuple(ctx, c.service, c.plugin, asset, "Ingest"); err != nil {
			c.log.Warn("asset tracking tuple failed", "asset", asset, "error", err)
			continue
		}
		c.tracked[asset] = true
	}
}
