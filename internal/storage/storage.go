// Package storage defines the interface between the ingest pipeline and
// the readings store. The concrete engine lives in storage/sqlite.
package storage

import (
	"context"

	"github.com/tidemark/tidemark/internal/types"
)

// PurgeResult is the payload returned by a purge cycle.
type PurgeResult struct {
	Removed        int64 `json:"removed"`
	UnsentPurged   int64 `json:"unsentPurged"`
	UnsentRetained int64 `json:"unsentRetained"`
	Readings       int64 `json:"readings"`
}

// ResultSet is the payload returned by a retrieve query.
type ResultSet struct {
	Count int              `json:"count"`
	Rows  []map[string]any `json:"rows"`
}

// ReadingsStore is the surface the ingest scheduler persists through.
type ReadingsStore interface {
	// AppendReadings persists a batch in one transaction and returns the
	// number of rows inserted. On a fatal error the transaction has been
	// rolled back and the returned count is -1.
	AppendReadings(ctx context.Context, readings []*types.Reading) (int, error)
}

// StatisticsStore is the surface the statistics worker flushes through.
type StatisticsStore interface {
	// CreateStatistic inserts a statistics row if one does not exist.
	CreateStatistic(ctx context.Context, key, description string) error
	// UpdateStatistics adds each delta to its statistics row in one batch.
	UpdateStatistics(ctx context.Context, deltas map[string]int64) error
}
