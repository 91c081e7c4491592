package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidemark/tidemark/internal/types"
)

// tsSelect opens a strftime call that renders a timestamp column in UTC.
// SQLite's %f gives seconds with three fractional digits, so the stored
// microsecond text is returned at millisecond precision.
const tsSelect = "strftime('%Y-%m-%d %H:%M:%f', "

// buildUnion builds the UNION ALL relation over the given catalogue
// tables, synthesizing asset_code as a literal per table. Returns the
// empty string when no asset has ever been ingested.
func buildUnion(tables []catEntry, conds ...string) string {
	if len(tables) == 0 {
		return ""
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT %s AS asset_code, id, reading, user_ts, ts FROM %s%s",
			quoteLiteral(t.Asset), qualifiedTable(t.Ref), where))
	}
	return strings.Join(parts, " UNION ALL ")
}

// quoteLiteral renders a string as a SQL literal. Asset codes reach SQL as
// literals because they name per-table constants inside a UNION, where
// binding the same parameter once per branch is not worth the bookkeeping.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FetchReadings returns up to blkSize readings with id ≥ fromID, ordered
// ascending across all tables. Timestamps are rendered in UTC. Used by
// north-side export pipelines, which track the last acknowledged id.
func (s *Store) FetchReadings(ctx context.Context, fromID int64, blkSize int) ([]*types.Reading, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if blkSize <= 0 {
		blkSize = 100
	}
	tables := s.cat.snapshot()
	inner := buildUnion(tables, "id >= ?")
	if inner == "" {
		return []*types.Reading{}, nil
	}
	query := fmt.Sprintf(`
		SELECT id, asset_code, reading,
		       %suser_ts) AS user_ts,
		       %sts) AS ts
		FROM (%s)
		ORDER BY id
		LIMIT ?`, tsSelect, tsSelect, inner)

	// One placeholder per UNION branch plus the limit.
	args := make([]any, 0, len(tables)+1)
	for range tables {
		args = append(args, fromID)
	}
	args = append(args, blkSize)

	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("fetch readings", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Reading
	for rows.Next() {
		var (
			r       types.Reading
			payload string
			userTS  string
			ts      string
		)
		if err := rows.Scan(&r.ID, &r.AssetCode, &payload, &userTS, &ts); err != nil {
			return nil, wrapDBError("scan reading", err)
		}
		r.Payload = json.RawMessage(payload)
		if t, err := types.ParseUserTS(userTS); err == nil {
			r.UserTS = t
		}
		if t, err := types.ParseUserTS(ts); err == nil {
			r.TS = t
		}
		out = append(out, &r)
	}
	return out, wrapDBError("iterate readings", rows.Err())
}
