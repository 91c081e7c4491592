package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidemark/tidemark/internal/storage"
)

// julianEpoch is the julian day number of the Unix epoch; julianday()
// output is shifted by it to get epoch seconds.
const julianEpoch = "2440587.5"

// timebucket describes fixed-size time-window grouping.
type timebucket struct {
	Timestamp string          `json:"timestamp"`
	Size      json.RawMessage `json:"size"` // seconds, number or numeric string
	Format    string          `json:"format"`
	Alias     string          `json:"alias"`
}

func (tb *timebucket) column() (string, error) {
	col := tb.Timestamp
	if col == "" {
		col = "user_ts"
	}
	if col != "user_ts" && col != "ts" {
		return "", fmt.Errorf("timebucket timestamp must be user_ts or ts, got %q", col)
	}
	return col, nil
}

func (tb *timebucket) size() (float64, error) {
	if len(tb.Size) == 0 {
		return 1, nil
	}
	s, err := numberValue(tb.Size)
	if err != nil || s <= 0 {
		return 0, fmt.Errorf("invalid timebucket size %s", string(tb.Size))
	}
	return s, nil
}

// bucketExpr is the epoch-seconds bucket key:
// round((julianday(col) − J₀) × 86400 / size) × size.
func (tb *timebucket) bucketExpr() (string, error) {
	col, err := tb.column()
	if err != nil {
		return "", err
	}
	size, err := tb.size()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("round((julianday(%s) - %s) * 86400 / %g) * %g",
		col, julianEpoch, size, size), nil
}

// timestampExpr renders the bucket key for output. Whole-second buckets
// go through datetime(…, 'unixepoch'); sub-second buckets keep the raw
// fractional value and format with millisecond precision.
func (tb *timebucket) timestampExpr(bucket string) (string, error) {
	size, err := tb.size()
	if err != nil {
		return "", err
	}
	switch {
	case tb.Format != "":
		return fmt.Sprintf("strftime(%s, %s, 'unixepoch')",
			quoteLiteral(tb.Format), bucket), nil
	case size < 1:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:%%M:%%f', (%s), 'unixepoch')", bucket), nil
	default:
		return fmt.Sprintf("datetime(%s, 'unixepoch')", bucket), nil
	}
}

func (tb *timebucket) alias() string {
	if tb.Alias != "" {
		return tb.Alias
	}
	return "timestamp"
}

// writeSelect appends the bucket output column to a plain aggregate
// SELECT (the non-"all" path).
func (tb *timebucket) writeSelect(sb *strings.Builder) error {
	bucket, err := tb.bucketExpr()
	if err != nil {
		return err
	}
	tsExpr, err := tb.timestampExpr(bucket)
	if err != nil {
		return err
	}
	fmt.Fprintf(sb, "%s AS %q", tsExpr, tb.alias())
	return nil
}

// groupExpr is the expression buckets group by.
func (tb *timebucket) groupExpr() string {
	bucket, err := tb.bucketExpr()
	if err != nil {
		return "user_ts"
	}
	return bucket
}

// retrieveTimebucketAll answers aggregate.operation == "all": per-bucket,
// per-asset min/max/average/count/sum of every datapoint in the reading
// object. Three nested SELECTs: the innermost explodes each reading into
// (key, value) rows via json_each, the middle aggregates per datapoint
// per bucket, the outer concatenates the per-datapoint objects back into
// one JSON object per (bucket, asset).
func (s *Store) retrieveTimebucketAll(ctx context.Context, q *retrieveQuery) (*storage.ResultSet, error) {
	tables := s.cat.snapshot()
	inner := buildUnion(tables)
	if inner == "" {
		return &storage.ResultSet{Count: 0, Rows: []map[string]any{}}, nil
	}

	tb := q.Timebucket
	if tb == nil {
		tb = &timebucket{}
	}
	bucket, err := tb.bucketExpr()
	if err != nil {
		return nil, err
	}
	tsExpr, err := tb.timestampExpr("bucket")
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	var args []any

	fmt.Fprintf(&sb, `SELECT asset_code, %s AS %q, `, tsExpr, tb.alias())
	sb.WriteString(`'{' || group_concat('"' || key || '":{"min":' || min_v || ',"max":' || max_v ||` +
		` ',"average":' || avg_v || ',"count":' || cnt_v || ',"sum":' || sum_v || '}') || '}' AS reading`)
	sb.WriteString(" FROM (")
	sb.WriteString(`SELECT asset_code, bucket, key, min(value) AS min_v, max(value) AS max_v, ` +
		`avg(value) AS avg_v, count(value) AS cnt_v, sum(value) AS sum_v`)
	sb.WriteString(" FROM (")
	fmt.Fprintf(&sb, `SELECT r.asset_code AS asset_code, %s AS bucket, `+
		`json_each.key AS key, json_each.value AS value `+
		`FROM (%s) r, json_each(r.reading)`, bucket, inner)
	if q.Where != nil {
		sb.WriteString(" WHERE ")
		if err := q.Where.buildQualified(&sb, &args, "r."); err != nil {
			return nil, err
		}
	}
	sb.WriteString(") GROUP BY asset_code, bucket, key")
	sb.WriteString(") GROUP BY asset_code, bucket ORDER BY bucket DESC")
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	return s.runRetrieve(ctx, sb.String(), args, map[string]bool{"reading": true})
}
