package sqlite

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/types"
)

func TestAppendAndFetchHappyPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	userTS := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.AppendReadings(ctx, []*types.Reading{
		mkReading("T1", userTS, `{"x":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := s.FetchReadings(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, rows[0].ID)
	assert.Equal(t, "T1", rows[0].AssetCode)
	assert.JSONEq(t, `{"x":1}`, string(rows[0].Payload))
	assert.True(t, rows[0].UserTS.Equal(userTS), "got %v", rows[0].UserTS)
	assert.False(t, rows[0].TS.IsZero())
}

func TestMultiAssetAllocation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	now := time.Now().UTC()
	n, err := s.AppendReadings(ctx, []*types.Reading{
		mkReading("A", now, `{"v":1}`),
		mkReading("B", now, `{"v":2}`),
		mkReading("A", now, `{"v":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Exactly two catalogue entries; both assets share the global ID
	// sequence.
	entries := s.cat.snapshot()
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].Ref.Table, entries[1].Ref.Table)

	rows, err := s.FetchReadings(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	var lastID int64
	for _, r := range rows {
		assert.Greater(t, r.ID, lastID)
		lastID = r.ID
	}
}

func TestAppendAssignsStrictlyIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := s.AppendReadings(ctx, []*types.Reading{
			mkReading("A", now, `{"v":1}`),
			mkReading("B", now, `{"v":2}`),
		})
		require.NoError(t, err)
	}
	rows, err := s.FetchReadings(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for i, r := range rows {
		assert.EqualValues(t, i+1, r.ID)
	}
}

func TestAppendNowSubstitutedAtPersistence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	// A "now()" reading keeps a zero UserTS through ingest decoding and
	// any time spent queued; the server timestamp is assigned at the
	// write itself.
	var r types.Reading
	require.NoError(t, json.Unmarshal(
		[]byte(`{"asset_code": "A", "user_ts": "now()", "reading": {"v": 1}}`), &r))
	require.True(t, r.UserTS.IsZero())

	time.Sleep(20 * time.Millisecond) // queue delay stand-in
	before := time.Now().UTC()
	n, err := s.AppendReadings(ctx, []*types.Reading{&r})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := s.FetchReadings(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].UserTS.Before(before.Truncate(time.Second)),
		"stored user_ts %v predates the write at %v", rows[0].UserTS, before)
	assert.True(t, rows[0].UserTS.Equal(rows[0].TS))
}

func TestAppendEmptyBatch(t *testing.T) {
	s := openTestStore(t, Config{})
	n, err := s.AppendReadings(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatalogueExpansionToNewDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, Config{Dir: dir, ReadingsToAllocate: 2})

	now := time.Now().UTC()
	_, err := s.AppendReadings(ctx, []*types.Reading{
		mkReading("A", now, `{"v":1}`),
		mkReading("B", now, `{"v":2}`),
		mkReading("C", now, `{"v":3}`),
	})
	require.NoError(t, err)

	// Two pre-allocated tables were exhausted by A and B; C forced a new
	// database file.
	assert.FileExists(t, filepath.Join(dir, "readings_2.db"))
	assert.Equal(t, 2, s.cat.maxDBID)

	rows, err := s.FetchReadings(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCatalogueReloadedOnReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Config{Dir: dir, ReadingsToAllocate: 2}, testLogger(t))
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = s.AppendReadings(ctx, []*types.Reading{
		mkReading("A", now, `{"v":1}`),
		mkReading("B", now, `{"v":2}`),
		mkReading("C", now, `{"v":3}`),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s2, err := Open(ctx, Config{Dir: dir, ReadingsToAllocate: 2}, testLogger(t))
	require.NoError(t, err)
	defer func() { _ = s2.Close(ctx) }()

	require.Len(t, s2.cat.snapshot(), 3)
	assert.Equal(t, 2, s2.cat.maxDBID)

	// The same assets resolve to their existing tables.
	_, err = s2.AppendReadings(ctx, []*types.Reading{
		mkReading("C", now, `{"v":4}`),
	})
	require.NoError(t, err)
	require.Len(t, s2.cat.snapshot(), 3)

	rows, err := s2.FetchReadings(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestReadingStream(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	userTS := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeFrame(t, &buf, userTS, "flow", `{"rate":7.5}`)
	writeFrame(t, &buf, userTS.Add(time.Second), "flow", `{"rate":8.0}`)

	n, err := s.ReadingStream(ctx, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := s.FetchReadings(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "flow", rows[0].AssetCode)
	assert.True(t, rows[0].UserTS.Equal(userTS))
	assert.JSONEq(t, `{"rate":7.5}`, string(rows[0].Payload))
}

func TestReadingStreamTruncatedFrame(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Config{})

	var buf bytes.Buffer
	writeFrame(t, &buf, time.Now().UTC(), "flow", `{"rate":1}`)
	buf.Write([]byte{1, 2, 3}) // short trailing frame

	// The decoded prefix still commits; the truncation surfaces as an
	// error.
	n, err := s.ReadingStream(ctx, &buf)
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func writeFrame(t *testing.T, buf *bytes.Buffer, userTS time.Time, asset, payload string) {
	t.Helper()
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint64(userTS.UnixMicro())))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(len(asset))))
	buf.WriteString(asset)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(len(payload))))
	buf.WriteString(payload)
}
