package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/internal/types"
)

// Purge block-size tuning. Each DELETE block should take about 70ms so
// the purge loop never starves writers; the size is recomputed from block
// wall times every 30 blocks.
const (
	defaultPurgeBlockSize = 500
	minPurgeBlockSize     = 20
	maxPurgeBlockSize     = 1500

	recalcBlockSizeNumBlocks = 30
	targetBlockTime          = 70 * time.Millisecond
	targetBlockTolerance     = 7 * time.Millisecond
	slowBlockThreshold       = 150 * time.Millisecond

	writeAccessPoll = 100 * time.Millisecond
)

// PurgeByAge removes readings older than age hours. When age is zero an
// age is derived from the span back to the oldest reading. When
// retainUnsent is set, readings whose id exceeds sent (the last id
// acknowledged by the north-side exporter) are kept regardless of age.
func (s *Store) PurgeByAge(ctx context.Context, ageHours float64, sent int64, retainUnsent bool) (*storage.PurgeResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	minID, maxID, err := s.purgeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if maxID == 0 {
		return s.purgeResult(ctx, 0, 0, 0)
	}

	now := time.Now().UTC()
	if ageHours == 0 {
		oldest, err := s.minUserTS(ctx)
		if err != nil {
			return nil, err
		}
		ageHours = now.Sub(oldest).Seconds() / 360
	}
	cutoff := now.Add(-time.Duration(ageHours * float64(time.Hour)))

	ceiling, err := s.searchPurgeCeiling(ctx, minID, maxID, cutoff)
	if err != nil {
		return nil, err
	}
	if ceiling < minID {
		return s.purgeResult(ctx, 0, 0, 0)
	}

	return s.purgeUpTo(ctx, minID, ceiling, sent, retainUnsent)
}

// PurgeByRows removes the oldest readings so that at most keepRows
// remain, honoring the same unsent protection as PurgeByAge.
func (s *Store) PurgeByRows(ctx context.Context, keepRows int64, sent int64, retainUnsent bool) (*storage.PurgeResult, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	minID, maxID, err := s.purgeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if maxID == 0 {
		return s.purgeResult(ctx, 0, 0, 0)
	}

	total, err := s.countRange(ctx, 0, maxID)
	if err != nil {
		return nil, err
	}
	if total <= keepRows {
		return s.purgeResult(ctx, 0, 0, 0)
	}

	ceiling, err := s.nthSmallestID(ctx, maxID, total-keepRows)
	if err != nil {
		return nil, err
	}
	return s.purgeUpTo(ctx, minID, ceiling, sent, retainUnsent)
}

// purgeUpTo deletes every reading with id ≤ ceiling in adaptive blocks,
// clamping to sent when unsent readings are protected.
func (s *Store) purgeUpTo(ctx context.Context, minID, ceiling, sent int64, retainUnsent bool) (*storage.PurgeResult, error) {
	var unsentPurged, unsentRetained int64
	var err error

	if retainUnsent && sent >= 0 && ceiling > sent {
		// Rows past the exporter cursor stay; account for them.
		unsentRetained, err = s.countRange(ctx, sent, ceiling)
		if err != nil {
			return nil, err
		}
		ceiling = sent
	} else if !retainUnsent && sent >= 0 && ceiling > sent {
		unsentPurged, err = s.countRange(ctx, sent, ceiling)
		if err != nil {
			return nil, err
		}
	}
	if ceiling < minID {
		return s.purgeResult(ctx, 0, unsentPurged, unsentRetained)
	}

	// New writes must not overlap the first DELETE block.
	for s.writeAccessOngoing.Load() != 0 {
		select {
		case <-time.After(writeAccessPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var (
		removed    int64
		rowidMin   = minID - 1
		blockTimes []time.Duration
		longAvg    time.Duration
		blocks     int
	)
	for rowidMin < ceiling {
		blockEnd := rowidMin + int64(s.purgeBlockSize)
		if blockEnd > ceiling {
			blockEnd = ceiling
		}

		start := time.Now()
		n, err := s.deleteBlock(ctx, rowidMin, blockEnd)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start)
		if s.cfg.BlockTimeObserver != nil {
			s.cfg.BlockTimeObserver(elapsed)
		}

		removed += n
		rowidMin = blockEnd
		blocks++
		blockTimes = append(blockTimes, elapsed)

		if elapsed > slowBlockThreshold {
			// Long block: back off to let writers retake the file lock.
			pause := time.Duration(100+elapsed.Microseconds()/10000) * time.Millisecond
			sleepCtx(ctx, pause)
		}

		if blocks%recalcBlockSizeNumBlocks == 0 {
			windowAvg := averageDuration(blockTimes)
			blockTimes = blockTimes[:0]
			// 50% long-term average, 50% current window.
			if longAvg == 0 {
				longAvg = windowAvg
			} else {
				longAvg = (longAvg + windowAvg) / 2
			}
			s.recalcPurgeBlockSize(longAvg)
			sleepCtx(ctx, 100*time.Millisecond)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return s.purgeResult(ctx, removed, unsentPurged, unsentRetained)
}

// recalcPurgeBlockSize retunes the DELETE block size toward the target
// per-block wall time. The new size scales by target/observed, clamped to
// [0.5×, 2×] of the current size, rounded down to a multiple of 5, and
// bounded to [20, 1500].
func (s *Store) recalcPurgeBlockSize(avg time.Duration) {
	if avg <= 0 {
		return
	}
	diff := avg - targetBlockTime
	if diff < 0 {
		diff = -diff
	}
	if diff <= targetBlockTolerance {
		return
	}

	size := float64(s.purgeBlockSize) * float64(targetBlockTime) / float64(avg)
	if min := float64(s.purgeBlockSize) * 0.5; size < min {
		size = min
	}
	if max := float64(s.purgeBlockSize) * 2.0; size > max {
		size = max
	}
	newSize := int(size) / 5 * 5
	if newSize < minPurgeBlockSize {
		newSize = minPurgeBlockSize
	}
	if newSize > maxPurgeBlockSize {
		newSize = maxPurgeBlockSize
	}
	if newSize != s.purgeBlockSize {
		s.log.Debug("purge block size retuned",
			"avg_block", avg, "old", s.purgeBlockSize, "new", newSize)
		s.purgeBlockSize = newSize
	}
}

// PurgeBlockSize reports the current DELETE block size.
func (s *Store) PurgeBlockSize() int {
	return s.purgeBlockSize
}

// deleteBlock removes rows with lo < id ≤ hi from every readings table.
func (s *Store) deleteBlock(ctx context.Context, lo, hi int64) (int64, error) {
	var removed int64
	for _, t := range s.cat.snapshot() {
		var res sql.Result
		err := s.execRetry(ctx, "purge delete block", func() error {
			var err error
			res, err = s.purger.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE id > ? AND id <= ?`, qualifiedTable(t.Ref)), lo, hi)
			return err
		})
		if err != nil {
			return removed, wrapDBError("purge delete block", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}

// purgeSnapshot captures the id range present when the purge starts, so
// rows written during the purge are never considered.
func (s *Store) purgeSnapshot(ctx context.Context) (minID, maxID int64, err error) {
	tables := s.cat.snapshot()
	if len(tables) == 0 {
		return 0, 0, nil
	}
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT min(id) AS lo, max(id) AS hi FROM %s", qualifiedTable(t.Ref)))
	}
	query := fmt.Sprintf("SELECT min(lo), max(hi) FROM (%s)", strings.Join(parts, " UNION ALL "))
	var lo, hi sql.NullInt64
	if err := s.purger.QueryRowContext(ctx, query).Scan(&lo, &hi); err != nil {
		return 0, 0, wrapDBError("purge snapshot", err)
	}
	if !hi.Valid {
		return 0, 0, nil
	}
	return lo.Int64, hi.Int64, nil
}

// minUserTS returns the oldest user timestamp across all tables.
func (s *Store) minUserTS(ctx context.Context) (time.Time, error) {
	tables := s.cat.snapshot()
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT min(user_ts) AS u FROM %s", qualifiedTable(t.Ref)))
	}
	query := fmt.Sprintf("SELECT min(u) FROM (%s)", strings.Join(parts, " UNION ALL "))
	var ts sql.NullString
	if err := s.purger.QueryRowContext(ctx, query).Scan(&ts); err != nil {
		return time.Time{}, wrapDBError("min user_ts", err)
	}
	if !ts.Valid {
		return time.Now().UTC(), nil
	}
	return types.ParseUserTS(ts.String)
}

// userTSAtOrBelow returns the user_ts of the newest reading with
// id ≤ probe, or ok=false when no such reading exists.
func (s *Store) userTSAtOrBelow(ctx context.Context, probe int64) (time.Time, bool, error) {
	tables := s.cat.snapshot()
	parts := make([]string, 0, len(tables))
	args := make([]any, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT * FROM (SELECT id, user_ts FROM %s WHERE id <= ? ORDER BY id DESC LIMIT 1)",
			qualifiedTable(t.Ref)))
		args = append(args, probe)
	}
	query := fmt.Sprintf("SELECT user_ts FROM (%s) ORDER BY id DESC LIMIT 1",
		strings.Join(parts, " UNION ALL "))
	var ts sql.NullString
	err := s.purger.QueryRowContext(ctx, query, args...).Scan(&ts)
	if err == sql.ErrNoRows || (err == nil && !ts.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapDBError("probe user_ts", err)
	}
	t, perr := types.ParseUserTS(ts.String)
	if perr != nil {
		return time.Time{}, false, perr
	}
	return t, true, nil
}

// searchPurgeCeiling binary-searches [minID, maxID] for the largest id
// whose user_ts is older than cutoff, avoiding a full index scan. Returns
// minID-1 when nothing qualifies.
func (s *Store) searchPurgeCeiling(ctx context.Context, minID, maxID int64, cutoff time.Time) (int64, error) {
	lo, hi := minID, maxID
	result := minID - 1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		ts, ok, err := s.userTSAtOrBelow(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ok && ts.Before(cutoff) {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result, nil
}

// countRange counts rows with lo < id ≤ hi across all tables.
func (s *Store) countRange(ctx context.Context, lo, hi int64) (int64, error) {
	tables := s.cat.snapshot()
	if len(tables) == 0 {
		return 0, nil
	}
	parts := make([]string, 0, len(tables))
	args := make([]any, 0, 2*len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT count(*) AS n FROM %s WHERE id > ? AND id <= ?", qualifiedTable(t.Ref)))
		args = append(args, lo, hi)
	}
	query := fmt.Sprintf("SELECT sum(n) FROM (%s)", strings.Join(parts, " UNION ALL "))
	var n sql.NullInt64
	if err := s.purger.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, wrapDBError("count id range", err)
	}
	return n.Int64, nil
}

// nthSmallestID returns the id of the n-th oldest reading (1-based).
func (s *Store) nthSmallestID(ctx context.Context, maxID, n int64) (int64, error) {
	tables := s.cat.snapshot()
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT id FROM %s", qualifiedTable(t.Ref)))
	}
	query := fmt.Sprintf("SELECT id FROM (%s) ORDER BY id LIMIT 1 OFFSET ?",
		strings.Join(parts, " UNION ALL "))
	var id int64
	err := s.purger.QueryRowContext(ctx, query, n-1).Scan(&id)
	if err == sql.ErrNoRows {
		return maxID, nil
	}
	if err != nil {
		return 0, wrapDBError("nth smallest id", err)
	}
	return id, nil
}

// purgeResult assembles the purge payload, counting the readings that
// remain.
func (s *Store) purgeResult(ctx context.Context, removed, unsentPurged, unsentRetained int64) (*storage.PurgeResult, error) {
	_, maxID, err := s.purgeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var remaining int64
	if maxID > 0 {
		remaining, err = s.countRange(ctx, 0, maxID)
		if err != nil {
			return nil, err
		}
	}
	return &storage.PurgeResult{
		Removed:        removed,
		UnsentPurged:   unsentPurged,
		UnsentRetained: unsentRetained,
		Readings:       remaining,
	}, nil
}

func averageDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
