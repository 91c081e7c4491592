package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// tableRef is the physical location of one asset's readings table.
type tableRef struct {
	Table int // readings_<k>
	DB    int // attached as readings_<d>
}

// catalogue is the in-memory asset→table mapping plus the global-ID
// cursor. Lookups take the read lock; new-asset allocation serializes
// under the write lock.
type catalogue struct {
	mu      sync.RWMutex
	byAsset map[string]tableRef

	nextID atomic.Int64 // next global reading ID to issue

	maxTableID int // highest table_id ever allocated
	maxDBID    int // active target database
	available  int // pre-allocated tables remaining in the active database
}

// catEntry pairs an asset with its table location in catalogue snapshots.
type catEntry struct {
	Asset string
	Ref   tableRef
}

// snapshot returns an ordered copy of the catalogue entries, for readers
// that assemble multi-table UNION queries.
func (c *catalogue) snapshot() []catEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]catEntry, 0, len(c.byAsset))
	for asset, ref := range c.byAsset {
		out = append(out, catEntry{asset, ref})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Table < out[j].Ref.Table })
	return out
}

func (c *catalogue) lookup(asset string) (tableRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.byAsset[asset]
	return ref, ok
}

// loadCatalogue reads asset_reading_catalogue into memory, attaches every
// known database file, and records the active target database.
func (s *Store) loadCatalogue(ctx context.Context) error {
	cat := &catalogue{byAsset: make(map[string]tableRef), maxDBID: 1}

	rows, err := s.writer.QueryContext(ctx,
		`SELECT table_id, db_id, asset_code FROM asset_reading_catalogue`)
	if err != nil {
		return wrapDBError("load catalogue", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tableID, dbID int
		var asset string
		if err := rows.Scan(&tableID, &dbID, &asset); err != nil {
			return wrapDBError("scan catalogue row", err)
		}
		cat.byAsset[asset] = tableRef{Table: tableID, DB: dbID}
		if tableID > cat.maxTableID {
			cat.maxTableID = tableID
		}
		if dbID > cat.maxDBID {
			cat.maxDBID = dbID
		}
	}
	if err := rows.Err(); err != nil {
		return wrapDBError("iterate catalogue rows", err)
	}

	for dbID := 2; dbID <= cat.maxDBID; dbID++ {
		for _, conn := range s.conns() {
			if err := attachDatabase(ctx, conn, dbPath(s.cfg.Dir, dbID), dbAlias(dbID)); err != nil {
				return err
			}
		}
	}

	s.cat = cat
	return nil
}

// allocatedTables returns the table_ids of every readings table present
// in database dbID, discovered from its sqlite_master. The name check is
// anchored to the exact readings_<k> shape so sqlite_sequence and the
// user_ts indexes never match.
func (s *Store) allocatedTables(ctx context.Context, conn *sql.Conn, dbID int) ([]int, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT name FROM %s.sqlite_master WHERE type = 'table' AND name LIKE 'readings_%%'`,
		dbAlias(dbID)))
	if err != nil {
		return nil, wrapDBError("scan allocated tables", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scan table name", err)
		}
		var id int
		if _, err := fmt.Sscanf(name, "readings_%d", &id); err == nil &&
			name == tableName(id) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate table names", err)
	}
	sort.Ints(ids)
	return ids, nil
}

// usedTablesForDB counts catalogue entries assigned to database dbID.
func (c *catalogue) usedTablesForDB(dbID int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ref := range c.byAsset {
		if ref.DB == dbID {
			n++
		}
	}
	return n
}

// bootGlobalID establishes the next global reading ID. A stored value ≥ 1
// is a clean-shutdown marker and is adopted directly; -1 means the last
// shutdown was not graceful, so the ID is recomputed from max(id) across
// every readings table. Either way the stored value is then set to -1 so a
// crash while running forces recomputation on the next boot.
func (s *Store) bootGlobalID(ctx context.Context) error {
	var stored int64
	err := s.writer.QueryRowContext(ctx,
		`SELECT global_id FROM configuration_readings`).Scan(&stored)
	if err != nil {
		return wrapDBError("read global ID", err)
	}

	if stored >= 1 {
		s.cat.nextID.Store(stored)
	} else {
		maxID, err := s.maxReadingID(ctx)
		if err != nil {
			return err
		}
		s.cat.nextID.Store(maxID + 1)
		s.log.Info("global ID recovered from readings tables", "next_id", maxID+1)
	}

	if _, err := s.execConn(ctx, s.writer,
		`UPDATE configuration_readings SET global_id = -1`); err != nil {
		return wrapDBError("mark global ID in use", err)
	}
	return nil
}

// maxReadingID computes max(id) over every readings table via a UNION of
// per-table max queries. Returns 0 when no table holds rows.
func (s *Store) maxReadingID(ctx context.Context) (int64, error) {
	tables := s.cat.snapshot()
	if len(tables) == 0 {
		return 0, nil
	}
	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		parts = append(parts, fmt.Sprintf(
			"SELECT max(id) AS id FROM %s", qualifiedTable(t.Ref)))
	}
	query := fmt.Sprintf("SELECT max(id) FROM (%s)", strings.Join(parts, " UNION ALL "))
	var maxID sql.NullInt64
	if err := s.writer.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return 0, wrapDBError("compute max reading ID", err)
	}
	if !maxID.Valid {
		return 0, nil
	}
	return maxID.Int64, nil
}

// writeBackGlobalID records the in-memory cursor as the clean-shutdown
// marker.
func (s *Store) writeBackGlobalID(ctx context.Context) error {
	_, err := s.execConn(ctx, s.writer,
		`UPDATE configuration_readings SET global_id = ?`, s.cat.nextID.Load())
	return wrapDBError("write back global ID", err)
}

// NextID returns the next global reading ID, advancing the cursor.
func (s *Store) NextID() int64 {
	return s.cat.nextID.Add(1) - 1
}

// LastID returns the most recently issued global ID, or 0 if none.
func (s *Store) LastID() int64 {
	return s.cat.nextID.Load() - 1
}

// preallocateTables tops the active database up to ReadingsToAllocate
// unassigned readings tables, creating any that are missing.
func (s *Store) preallocateTables(ctx context.Context) error {
	existing, err := s.allocatedTables(ctx, s.writer, s.cat.maxDBID)
	if err != nil {
		return err
	}
	used := s.cat.usedTablesForDB(s.cat.maxDBID)

	base := s.cat.maxTableID
	for _, id := range existing {
		if id > base {
			base = id
		}
	}
	toCreate := s.cfg.ReadingsToAllocate - (len(existing) - used)
	for i := 0; i < toCreate; i++ {
		if err := s.createReadingsTable(ctx, tableRef{Table: base + 1 + i, DB: s.cat.maxDBID}); err != nil {
			return err
		}
	}

	s.cat.mu.Lock()
	s.cat.available = len(existing) - used
	if toCreate > 0 {
		s.cat.available += toCreate
	}
	s.cat.mu.Unlock()
	return nil
}

// createReadingsTable creates readings_<k> (and its user_ts index) in the
// database named by ref.
func (s *Store) createReadingsTable(ctx context.Context, ref tableRef) error {
	qualified := qualifiedTable(ref)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		reading JSON,
		user_ts DATETIME,
		ts      DATETIME DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now'))
	)`, qualified)
	if _, err := s.execConn(ctx, s.writer, ddl); err != nil {
		return wrapDBError("create readings table", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s.%s_user_ts ON %s (user_ts)`,
		dbAlias(ref.DB), tableName(ref.Table), tableName(ref.Table))
	if _, err := s.execConn(ctx, s.writer, idx); err != nil {
		return wrapDBError("create readings index", err)
	}
	return nil
}

// readingReference resolves asset to its readings table, allocating a new
// table on first sight. The fast path is a read-locked lookup; allocation
// re-checks under the write lock, takes the next dense table_id, persists
// the catalogue row, and expands into a new database file when the active
// one has no pre-allocated tables left.
func (s *Store) readingReference(ctx context.Context, asset string) (tableRef, error) {
	if ref, ok := s.cat.lookup(asset); ok {
		return ref, nil
	}

	s.cat.mu.Lock()
	defer s.cat.mu.Unlock()
	if ref, ok := s.cat.byAsset[asset]; ok {
		return ref, nil
	}

	if s.cat.available <= 0 {
		if err := s.expandToNewDB(ctx); err != nil {
			return tableRef{}, err
		}
	}

	ref := tableRef{Table: s.cat.maxTableID + 1, DB: s.cat.maxDBID}
	// Pre-allocation may not have reached this table_id if an operator
	// removed files; create on demand so gaps are tolerated.
	if err := s.createReadingsTable(ctx, ref); err != nil {
		return tableRef{}, err
	}
	if _, err := s.execConn(ctx, s.writer, `
		INSERT INTO asset_reading_catalogue (table_id, db_id, asset_code)
		VALUES (?, ?, ?)
	`, ref.Table, ref.DB, asset); err != nil {
		return tableRef{}, wrapDBError("insert catalogue row", err)
	}

	s.cat.byAsset[asset] = ref
	s.cat.maxTableID = ref.Table
	s.cat.available--
	s.log.Info("asset bound to readings table",
		"asset", asset, "table_id", ref.Table, "db_id", ref.DB)
	return ref, nil
}

// expandToNewDB creates readings_<d+1>.db, attaches it on every
// connection, and pre-allocates a fresh run of tables there. Called with
// cat.mu held.
func (s *Store) expandToNewDB(ctx context.Context) error {
	dbID := s.cat.maxDBID + 1
	path := dbPath(s.cfg.Dir, dbID)
	for _, conn := range s.conns() {
		if err := attachDatabase(ctx, conn, path, dbAlias(dbID)); err != nil {
			return err
		}
	}
	for i := 0; i < s.cfg.ReadingsToAllocate; i++ {
		if err := s.createReadingsTable(ctx, tableRef{Table: s.cat.maxTableID + 1 + i, DB: dbID}); err != nil {
			return err
		}
	}
	s.cat.maxDBID = dbID
	s.cat.available = s.cfg.ReadingsToAllocate
	s.log.Info("readings storage expanded", "db_id", dbID, "path", path)
	return nil
}
