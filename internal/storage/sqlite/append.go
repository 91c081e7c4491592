package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tidemark/tidemark/internal/types"
)

// insertStmt returns the cached prepared INSERT for table_id, preparing
// and growing the arena on first sight. The arena is append-only and
// indexed by table_id; it is resized under the catalogue mutex so
// concurrent resolvers cannot race the grow.
func (s *Store) insertStmt(ctx context.Context, ref tableRef) (*sql.Stmt, error) {
	if ref.Table < len(s.stmts) && s.stmts[ref.Table] != nil {
		return s.stmts[ref.Table], nil
	}

	s.cat.mu.Lock()
	defer s.cat.mu.Unlock()
	if ref.Table < len(s.stmts) && s.stmts[ref.Table] != nil {
		return s.stmts[ref.Table], nil
	}
	for len(s.stmts) <= ref.Table {
		s.stmts = append(s.stmts, nil)
	}
	stmt, err := s.writer.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, reading, user_ts, ts) VALUES (?, ?, ?, ?)`,
		qualifiedTable(ref)))
	if err != nil {
		return nil, wrapDBError("prepare insert", err)
	}
	s.stmts[ref.Table] = stmt
	return stmt, nil
}

// AppendReadings persists a batch of readings inside one IMMEDIATE
// transaction. Each reading receives the next global ID and the server
// timestamp; readings for an unknown asset allocate a table through the
// catalogue. On any non-retriable INSERT error the transaction is rolled
// back and the count is -1. Readings stay ordered per asset because the
// batch runs on a single connection with one prepared statement per table.
func (s *Store) AppendReadings(ctx context.Context, readings []*types.Reading) (int, error) {
	if s.closed.Load() {
		return -1, ErrClosed
	}
	if len(readings) == 0 {
		return 0, nil
	}

	s.writeAccessOngoing.Add(1)
	defer s.writeAccessOngoing.Add(-1)
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	// Resolve every asset and prepare every statement before the
	// transaction opens: allocation DDL and catalogue rows must not roll
	// back with a failed batch, or the in-memory catalogue would diverge
	// from the files.
	for _, r := range readings {
		if r.AssetCode == s.lastAsset {
			continue
		}
		ref, err := s.readingReference(ctx, r.AssetCode)
		if err != nil {
			return -1, err
		}
		if _, err := s.insertStmt(ctx, ref); err != nil {
			return -1, err
		}
		s.lastAsset = r.AssetCode
		s.lastTableRef = ref
	}

	if err := s.beginImmediate(ctx); err != nil {
		return -1, wrapDBError("begin append", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.rollback()
		}
	}()

	n, err := s.appendLocked(ctx, readings)
	if err != nil {
		return -1, err
	}
	if err := s.commit(ctx); err != nil {
		return -1, wrapDBError("commit append", err)
	}
	committed = true
	return n, nil
}

// appendLocked inserts the readings into their tables under an open
// transaction. Consecutive readings for one asset reuse the previous
// resolution instead of consulting the catalogue again.
func (s *Store) appendLocked(ctx context.Context, readings []*types.Reading) (int, error) {
	inserted := 0
	for _, r := range readings {
		ref := s.lastTableRef
		if r.AssetCode != s.lastAsset {
			var err error
			ref, err = s.readingReference(ctx, r.AssetCode)
			if err != nil {
				return inserted, err
			}
			s.lastAsset = r.AssetCode
			s.lastTableRef = ref
		}

		stmt, err := s.insertStmt(ctx, ref)
		if err != nil {
			return inserted, err
		}

		r.ID = s.NextID()
		r.TS = nowUTC()
		// The user_ts "now()" literal resolves here, at the write itself,
		// so time spent queued or cycling through the resend queue never
		// shows up in the stored timestamp.
		if r.UserTS.IsZero() {
			r.UserTS = r.TS
		}
		payload := r.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}

		err = s.stepRetry(ctx, "insert reading", func() error {
			_, err := stmt.ExecContext(ctx,
				r.ID, string(payload), types.FormatTS(r.UserTS), types.FormatTS(r.TS))
			return err
		})
		if err != nil {
			return inserted, wrapDBError("insert reading", err)
		}
		inserted++
	}
	return inserted, nil
}
