package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/types"
)

func seedReadings(t *testing.T, s *Store, asset string, base time.Time, payloads ...string) {
	t.Helper()
	readings := make([]*types.Reading, 0, len(payloads))
	for i, p := range payloads {
		readings = append(readings, mkReading(asset, base.Add(time.Duration(i)*time.Second), p))
	}
	n, err := s.AppendReadings(context.Background(), readings)
	require.NoError(t, err)
	require.Equal(t, len(payloads), n)
}

func TestRetrieveEmptyStore(t *testing.T) {
	s := openTestStore(t, Config{})
	res, err := s.RetrieveReadings(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Rows)
}

func TestRetrieveDump(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, s, "m1", base, `{"v":1}`, `{"v":2}`)

	res, err := s.RetrieveReadings(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)

	row := res.Rows[0]
	assert.EqualValues(t, 1, row["id"])
	assert.Equal(t, "m1", row["asset_code"])
	assert.JSONEq(t, `{"v":1}`, string(row["reading"].(json.RawMessage)))
	assert.Equal(t, "2024-05-01 12:00:00.000", row["user_ts"])
}

func TestRetrieveWhere(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, s, "m1", base, `{"v":1}`)
	seedReadings(t, s, "m2", base, `{"v":2}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"where": {"column": "asset_code", "condition": "=", "value": "m2"}
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "m2", res.Rows[0]["asset_code"])
}

func TestRetrieveWhereAndChain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, s, "m1", base, `{"v":1}`, `{"v":2}`, `{"v":3}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"where": {
			"column": "id", "condition": ">=", "value": 2,
			"and": {"column": "id", "condition": "<", "value": 3}
		}
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.EqualValues(t, 2, res.Rows[0]["id"])
}

func TestRetrieveWhereIn(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Now().UTC().Add(-time.Hour)
	seedReadings(t, s, "a", base, `{"v":1}`)
	seedReadings(t, s, "b", base, `{"v":2}`)
	seedReadings(t, s, "c", base, `{"v":3}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"where": {"column": "asset_code", "condition": "in", "value": ["a", "c"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestRetrieveReturnProjection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedReadings(t, s, "m1", base, `{"v":42,"w":7}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"return": [
			"asset_code",
			{"column": "user_ts", "format": "%Y-%m-%d %H:%M:%S", "alias": "when"},
			{"json": {"column": "reading", "properties": "v"}, "alias": "v"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	row := res.Rows[0]
	assert.Equal(t, "m1", row["asset_code"])
	assert.Equal(t, "2024-05-01 12:00:00", row["when"])
	assert.EqualValues(t, 42, row["v"])
}

func TestRetrieveAggregate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Now().UTC().Add(-time.Minute)
	seedReadings(t, s, "m1", base, `{"v":10}`, `{"v":20}`, `{"v":30}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"aggregate": [
			{"operation": "min", "json": {"column": "reading", "properties": "v"}},
			{"operation": "max", "json": {"column": "reading", "properties": "v"}},
			{"operation": "count", "column": "id"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	row := res.Rows[0]
	assert.EqualValues(t, 10, row["min_v"])
	assert.EqualValues(t, 30, row["max_v"])
	assert.EqualValues(t, 3, row["count_id"])
}

func TestRetrieveLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})
	base := time.Now().UTC().Add(-time.Hour)
	seedReadings(t, s, "m1", base, `{"v":1}`, `{"v":2}`, `{"v":3}`, `{"v":4}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{"limit": 2}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestRetrieveTimebucketAll(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	// Three readings inside one 60-second bucket.
	base := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	seedReadings(t, s, "m1", base, `{"v":10}`, `{"v":20}`, `{"v":30}`)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"aggregate": {"operation": "all"},
		"timebucket": {"timestamp": "user_ts", "size": "60"}
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	row := res.Rows[0]
	assert.Equal(t, "m1", row["asset_code"])
	require.Contains(t, row, "timestamp")

	raw, ok := row["reading"].(json.RawMessage)
	require.True(t, ok, "reading should be a JSON object, got %T", row["reading"])

	var agg map[string]struct {
		Min     float64 `json:"min"`
		Max     float64 `json:"max"`
		Average float64 `json:"average"`
		Count   int64   `json:"count"`
		Sum     float64 `json:"sum"`
	}
	require.NoError(t, json.Unmarshal(raw, &agg))
	require.Contains(t, agg, "v")
	assert.Equal(t, float64(10), agg["v"].Min)
	assert.Equal(t, float64(30), agg["v"].Max)
	assert.Equal(t, float64(20), agg["v"].Average)
	assert.EqualValues(t, 3, agg["v"].Count)
	assert.Equal(t, float64(60), agg["v"].Sum)
}

func TestRetrieveTimebucketAllSplitsBuckets(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	base := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	readings := []*types.Reading{
		mkReading("m1", base, `{"v":1}`),
		mkReading("m1", base.Add(10*time.Minute), `{"v":2}`),
	}
	_, err := s.AppendReadings(ctx, readings)
	require.NoError(t, err)

	res, err := s.RetrieveReadings(ctx, []byte(`{
		"aggregate": {"operation": "all"},
		"timebucket": {"timestamp": "user_ts", "size": "60"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestRetrieveUnknownColumnRejected(t *testing.T) {
	s := openTestStore(t, Config{})
	seedReadings(t, s, "m1", time.Now().UTC(), `{"v":1}`)
	_, err := s.RetrieveReadings(context.Background(), []byte(`{
		"where": {"column": "id; DROP TABLE readings_1", "condition": "=", "value": 1}
	}`))
	require.Error(t, err)
}

func TestRetrieveMultiAssetSpansTables(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{ReadingsToAllocate: 2})
	base := time.Now().UTC().Add(-time.Hour)
	seedReadings(t, s, "a", base, `{"v":1}`)
	seedReadings(t, s, "b", base, `{"v":2}`)
	seedReadings(t, s, "c", base, `{"v":3}`) // lives in readings_2.db

	res, err := s.RetrieveReadings(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
}
