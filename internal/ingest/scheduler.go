// Package ingest implements the producer-facing queue and the flush
// scheduler: readings accumulate in the active queue, rotate to the
// full-queue stack on threshold or age, pass through the filter pipeline,
// and persist through the storage engine. Batches that fail to persist
// move to the resend queue and retry until the drop limit.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tidemark/tidemark/internal/pipeline"
	"github.com/tidemark/tidemark/internal/stats"
	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/internal/telemetry"
	"github.com/tidemark/tidemark/internal/types"
)

// A batch that fails persistence resendFailureLimit times in a row drops
// its first resendDropCount readings as DISCARDED, so one poisoned
// reading cannot stall the pipeline forever.
const (
	resendFailureLimit = 6
	resendDropCount    = 5
)

// Config holds scheduler tuning.
type Config struct {
	// QueueThreshold rotates the active queue when it reaches this many
	// readings.
	QueueThreshold int
	// FlushTimeout bounds how long a reading may wait in the active
	// queue before a flush is forced.
	FlushTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.QueueThreshold <= 0 {
		out.QueueThreshold = 100
	}
	if out.FlushTimeout <= 0 {
		out.FlushTimeout = 5 * time.Second
	}
	return out
}

// batch is one rotated queue awaiting persistence.
type batch struct {
	readings []*types.Reading
	oldest   time.Time // arrival of the first reading
	failures int
	filtered bool
}

// Scheduler owns the three reading containers. Each reading belongs to
// exactly one of active, full, or resend; transfers happen under the
// respective mutex.
type Scheduler struct {
	cfg   Config
	store storage.ReadingsStore
	pipe  *pipeline.Pipeline
	stats *stats.Collector
	log   *slog.Logger

	mu          sync.Mutex // guards active
	active      []*types.Reading
	activeSince time.Time
	stopping    bool

	fullMu sync.Mutex // guards full and resend
	full   []*batch
	resend []*batch

	// notify wakes the flush worker; buffered so producers never block.
	notify chan struct{}

	latencyHigh bool // gauge state, flush-worker only

	tel *telemetry.Telemetry // optional, set before Run
}

// SetTelemetry attaches process-local metrics. Must be called before the
// flush worker starts.
func (s *Scheduler) SetTelemetry(t *telemetry.Telemetry) {
	s.tel = t
}

func New(cfg Config, store storage.ReadingsStore, pipe *pipeline.Pipeline, collector *stats.Collector, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		pipe:   pipe,
		stats:  collector,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

// Ingest enqueues one reading. Producers never block: the append and the
// possible rotation are quick critical sections.
func (s *Scheduler) Ingest(r *types.Reading) {
	s.IngestBatch([]*types.Reading{r})
}

// IngestBatch enqueues a slice of readings.
func (s *Scheduler) IngestBatch(readings []*types.Reading) {
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	if len(s.active) == 0 {
		s.activeSince = time.Now()
	}
	s.active = append(s.active, readings...)
	rotate := len(s.active) >= s.cfg.QueueThreshold || s.stopping
	s.mu.Unlock()

	if rotate {
		s.rotateActive()
	}
	s.wake()
}

// IngestJSON decodes the {"readings": […]} ingest document. Malformed
// readings are skipped and counted as DISCARDED; the rest of the batch
// continues. Returns accepted and discarded counts.
func (s *Scheduler) IngestJSON(payload []byte) (accepted, discarded int, err error) {
	var doc struct {
		Readings []json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, 0, err
	}
	batchReadings := make([]*types.Reading, 0, len(doc.Readings))
	for _, raw := range doc.Readings {
		var r types.Reading
		if err := json.Unmarshal(raw, &r); err != nil {
			discarded++
			s.log.Warn("discarding malformed reading", "error", err)
			continue
		}
		batchReadings = append(batchReadings, &r)
	}
	if discarded > 0 {
		s.stats.AddDiscarded(int64(discarded))
		s.stats.Notify()
	}
	s.IngestBatch(batchReadings)
	return len(batchReadings), discarded, nil
}

// rotateActive moves the active queue onto the full-queue stack.
func (s *Scheduler) rotateActive() {
	s.mu.Lock()
	if len(s.active) == 0 {
		s.mu.Unlock()
		return
	}
	b := &batch{readings: s.active, oldest: s.activeSince}
	s.active = nil
	s.mu.Unlock()

	s.fullMu.Lock()
	s.full = append(s.full, b)
	s.fullMu.Unlock()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the batch to process: resend first, then the full-queue
// stack. Returns nil when both are empty.
func (s *Scheduler) next() *batch {
	s.fullMu.Lock()
	defer s.fullMu.Unlock()
	if len(s.resend) > 0 {
		b := s.resend[0]
		s.resend = s.resend[1:]
		return b
	}
	if len(s.full) > 0 {
		b := s.full[0]
		s.full = s.full[1:]
		return b
	}
	return nil
}

// Run is the flush worker loop. It exits after ctx cancellation, once
// the residual queues have drained synchronously.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.drain()
			return nil
		}
		if b := s.next(); b != nil {
			if !s.process(ctx, b) {
				// Failed batch went back to the resend tail; give the
				// store a beat before the next attempt.
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
				}
			}
			continue
		}

		// Nothing pending: rotate an aged active queue or wait.
		s.mu.Lock()
		var wait time.Duration
		if len(s.active) > 0 {
			age := time.Since(s.activeSince)
			if age >= s.cfg.FlushTimeout {
				s.mu.Unlock()
				s.rotateActive()
				continue
			}
			wait = s.cfg.FlushTimeout - age
		} else {
			wait = s.cfg.FlushTimeout
		}
		s.mu.Unlock()

		// Wake early so the flush lands near the configured bound even
		// when the notification is missed.
		timer := time.NewTimer(wait * 3 / 4)
		select {
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.drain()
			return nil
		}
	}
}

// drain flushes everything left during shutdown, synchronously.
func (s *Scheduler) drain() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.rotateActive()

	ctx := context.Background()
	for {
		b := s.next()
		if b == nil {
			return
		}
		// A failed batch goes back to the resend queue and is picked up
		// again at once. When a failure triggers the usual drop accounting
		// (its failure count resets to zero), drain stops and leaves the
		// rest of that batch and anything still queued unflushed.
		if !s.process(ctx, b) && b.failures == 0 {
			return
		}
	}
}

// process runs one batch through the filter pipeline and the store.
// Returns false when the batch failed and was re-queued.
func (s *Scheduler) process(ctx context.Context, b *batch) bool {
	s.gaugeLatency(b)

	if !b.filtered {
		set := types.NewReadingSet(b.readings)
		var out []*types.Reading
		s.pipe.Execute(set, func(final *types.ReadingSet) {
			out = final.Drain()
		})
		b.readings = out
		b.filtered = true
	}
	if len(b.readings) == 0 {
		return true
	}

	n, err := s.store.AppendReadings(ctx, b.readings)
	if err != nil {
		s.log.Error("batch persistence failed", "readings", len(b.readings),
			"failures", b.failures+1, "error", err)
		s.requeue(b)
		return false
	}

	counts := map[string]int64{}
	for _, r := range b.readings[:n] {
		counts[r.AssetCode]++
	}
	for asset, c := range counts {
		s.stats.AddReadings(asset, c)
	}
	if s.tel != nil {
		s.tel.ReadingsIngested.Add(ctx, int64(n))
		s.tel.BatchesPersisted.Add(ctx, 1)
	}
	s.stats.Notify()
	return true
}

// requeue appends a failed batch to the resend tail, dropping the head
// readings once the failure limit is hit.
func (s *Scheduler) requeue(b *batch) {
	b.failures++
	if b.failures >= resendFailureLimit {
		drop := resendDropCount
		if drop > len(b.readings) {
			drop = len(b.readings)
		}
		s.log.Warn("dropping head of repeatedly failing batch", "dropped", drop)
		b.readings = b.readings[drop:]
		b.failures = 0
		s.stats.AddDiscarded(int64(drop))
		if s.tel != nil {
			s.tel.ReadingsDiscarded.Add(context.Background(), int64(drop))
		}
		s.stats.Notify()
		if len(b.readings) == 0 {
			return
		}
	}
	s.fullMu.Lock()
	s.resend = append(s.resend, b)
	s.fullMu.Unlock()
	s.wake()
}

// gaugeLatency logs transitions of batch age across the configured
// timeout, once per transition rather than per batch.
func (s *Scheduler) gaugeLatency(b *batch) {
	age := time.Since(b.oldest)
	high := age > s.cfg.FlushTimeout
	if high && !s.latencyHigh {
		s.log.Warn("ingest latency above configured timeout", "age", age,
			"timeout", s.cfg.FlushTimeout)
	} else if !high && s.latencyHigh {
		s.log.Info("ingest latency back under configured timeout", "age", age)
	}
	s.latencyHigh = high
}

// Reconfigure rebuilds the filter pipeline. Load blocks on the pipeline
// mutex until the flush worker leaves Execute, so a batch never sees a
// half-built chain.
func (s *Scheduler) Reconfigure(specs []pipeline.FilterSpec) error {
	return s.pipe.Load(specs)
}

// QueueDepths reports the current container sizes, for diagnostics.
func (s *Scheduler) QueueDepths() (active, full, resend int) {
	s.mu.Lock()
	active = len(s.active)
	s.mu.Unlock()
	s.fullMu.Lock()
	full = len(s.full)
	resend = len(s.resend)
	s.fullMu.Unlock()
	return active, full, resend
}
