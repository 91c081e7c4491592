// Package purge runs the retention loop: on each tick the store's
// adaptive purge removes readings past the configured age or row count.
package purge

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/internal/telemetry"
)

// Store is the slice of the storage engine the worker drives.
type Store interface {
	PurgeByAge(ctx context.Context, ageHours float64, sent int64, retainUnsent bool) (*storage.PurgeResult, error)
	PurgeByRows(ctx context.Context, keepRows int64, sent int64, retainUnsent bool) (*storage.PurgeResult, error)
}

// SentIDFunc reports the last reading id acknowledged by the north-side
// exporter. Zero means nothing has been sent.
type SentIDFunc func() int64

// Worker is the purge loop.
type Worker struct {
	store        Store
	interval     time.Duration
	ageHours     float64
	keepRows     int64
	retainUnsent bool
	sentID       SentIDFunc
	tel          *telemetry.Telemetry
	log          *slog.Logger
}

func New(store Store, interval time.Duration, ageHours float64, keepRows int64,
	retainUnsent bool, sentID SentIDFunc, tel *telemetry.Telemetry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if sentID == nil {
		sentID = func() int64 { return 0 }
	}
	return &Worker{
		store:        store,
		interval:     interval,
		ageHours:     ageHours,
		keepRows:     keepRows,
		retainUnsent: retainUnsent,
		sentID:       sentID,
		tel:          tel,
		log:          log,
	}
}

// Run ticks until ctx is canceled. Row-count retention takes precedence
// over age when both are configured.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	var (
		res *storage.PurgeResult
		err error
	)
	sent := w.sentID()
	if w.keepRows > 0 {
		res, err = w.store.PurgeByRows(ctx, w.keepRows, sent, w.retainUnsent)
	} else {
		res, err = w.store.PurgeByAge(ctx, w.ageHours, sent, w.retainUnsent)
	}
	if err != nil {
		w.log.Error("purge cycle failed", "error", err)
		return
	}
	if w.tel != nil {
		w.tel.PurgeRemoved.Add(ctx, res.Removed)
	}
	w.log.Info("purge cycle complete",
		"removed", res.Removed,
		"unsent_purged", res.UnsentPurged,
		"unsent_retained", res.UnsentRetained,
		"readings", res.Readings)
}
