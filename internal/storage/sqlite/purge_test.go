package sqlite

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/types"
)

// seedAged inserts count readings whose user_ts ages step back in time
// from the newest (now - step/2) to the oldest. The half-step offset
// keeps every row safely away from purge-cutoff boundaries.
func seedAged(t *testing.T, s *Store, asset string, count int, step time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	readings := make([]*types.Reading, 0, count)
	for i := 0; i < count; i++ {
		age := time.Duration(count-i)*step - step/2
		readings = append(readings, mkReading(asset, now.Add(-age), `{"v":1}`))
	}
	n, err := s.AppendReadings(context.Background(), readings)
	require.NoError(t, err)
	require.Equal(t, count, n)
}

func TestPurgeByAge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	// 100 rows, one hour apart: ages 99.5h down to 0.5h.
	seedAged(t, s, "m1", 100, time.Hour)

	res, err := s.PurgeByAge(ctx, 60, 0, false)
	require.NoError(t, err)

	// Rows older than 60 hours: ages 60.5h and beyond, i.e. the oldest 40.
	assert.EqualValues(t, 40, res.Removed)
	assert.EqualValues(t, 60, res.Readings)

	rows, err := s.FetchReadings(ctx, 1, 200)
	require.NoError(t, err)
	require.Len(t, rows, 60)
	// The survivors are the newest rows, ids 41..100.
	assert.EqualValues(t, 41, rows[0].ID)
}

func TestPurgeByAgeNothingOldEnough(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	seedAged(t, s, "m1", 10, time.Minute)

	res, err := s.PurgeByAge(ctx, 24, 0, false)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.EqualValues(t, 10, res.Readings)
}

func TestPurgeByAgeRetainsUnsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	seedAged(t, s, "m1", 100, time.Hour)

	// Everything is old enough to purge, but only ids ≤ 30 were sent.
	res, err := s.PurgeByAge(ctx, 0.4, 30, true)
	require.NoError(t, err)

	assert.EqualValues(t, 30, res.Removed)
	assert.EqualValues(t, 70, res.UnsentRetained)
	assert.Zero(t, res.UnsentPurged)
	assert.EqualValues(t, 70, res.Readings)

	rows, err := s.FetchReadings(ctx, 1, 200)
	require.NoError(t, err)
	require.Len(t, rows, 70)
	assert.EqualValues(t, 31, rows[0].ID)
}

func TestPurgeByAgeCountsUnsentPurged(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	seedAged(t, s, "m1", 50, time.Hour)

	// Unsent protection off: rows past the sent cursor purge anyway and
	// are reported.
	res, err := s.PurgeByAge(ctx, 0.4, 10, false)
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.Removed)
	assert.EqualValues(t, 40, res.UnsentPurged)
	assert.Zero(t, res.UnsentRetained)
}

func TestPurgeByRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	seedAged(t, s, "m1", 100, time.Minute)

	res, err := s.PurgeByRows(ctx, 25, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 75, res.Removed)
	assert.EqualValues(t, 25, res.Readings)

	rows, err := s.FetchReadings(ctx, 1, 200)
	require.NoError(t, err)
	require.Len(t, rows, 25)
	assert.EqualValues(t, 76, rows[0].ID)
}

func TestPurgeByRowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	seedAged(t, s, "m1", 10, time.Minute)

	res, err := s.PurgeByRows(ctx, 100, 0, false)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.EqualValues(t, 10, res.Readings)
}

func TestPurgeSpansMultipleTables(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{ReadingsToAllocate: 2})
	seedAged(t, s, "a", 20, time.Hour)
	seedAged(t, s, "b", 20, time.Hour)
	seedAged(t, s, "c", 20, time.Hour) // readings_2.db

	res, err := s.PurgeByAge(ctx, 1, 0, false)
	require.NoError(t, err)
	// The purge ceiling is the largest id whose user_ts is past the
	// cutoff (id 59, asset c). Everything at or below it goes, so the
	// younger tail readings of a and b are swept along with it — ids are
	// the retention axis, not per-asset timestamps.
	assert.EqualValues(t, 59, res.Removed)
	assert.EqualValues(t, 1, res.Readings)
}

func TestRecalcPurgeBlockSizeShrinksOnSlowBlocks(t *testing.T) {
	s := &Store{purgeBlockSize: 500, log: slog.Default()}

	// 300ms per block against a 70ms target wants a 0.23× scale, which
	// clamps to the 0.5× floor.
	s.recalcPurgeBlockSize(300 * time.Millisecond)
	assert.Equal(t, 250, s.purgeBlockSize)

	s.recalcPurgeBlockSize(300 * time.Millisecond)
	assert.Equal(t, 125, s.purgeBlockSize)
}

func TestRecalcPurgeBlockSizeGrowsOnFastBlocks(t *testing.T) {
	s := &Store{purgeBlockSize: 100, log: slog.Default()}

	// 10ms per block wants 7×, clamped to 2×.
	s.recalcPurgeBlockSize(10 * time.Millisecond)
	assert.Equal(t, 200, s.purgeBlockSize)
}

func TestRecalcPurgeBlockSizeBounds(t *testing.T) {
	s := &Store{purgeBlockSize: 30, log: slog.Default()}
	s.recalcPurgeBlockSize(time.Second)
	assert.Equal(t, minPurgeBlockSize, s.purgeBlockSize)

	s.purgeBlockSize = 1400
	s.recalcPurgeBlockSize(time.Millisecond)
	assert.Equal(t, maxPurgeBlockSize, s.purgeBlockSize)
}

func TestRecalcPurgeBlockSizeStableInsideTolerance(t *testing.T) {
	s := &Store{purgeBlockSize: 500, log: slog.Default()}
	s.recalcPurgeBlockSize(72 * time.Millisecond)
	assert.Equal(t, 500, s.purgeBlockSize)
}

func TestRecalcPurgeBlockSizeRoundsToFive(t *testing.T) {
	s := &Store{purgeBlockSize: 333, log: slog.Default()}
	// 100ms per block wants a 0.7× scale: 233.1, rounded down to 230.
	s.recalcPurgeBlockSize(100 * time.Millisecond)
	assert.Equal(t, 230, s.purgeBlockSize)
}
