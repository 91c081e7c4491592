// Package sqlite implements the readings store on embedded SQLite: the
// per-asset table catalogue spread across attached database files, the
// batched append paths, the JSON retrieve engine, and the adaptive purge
// loop. Schema DDL, transaction control, reading inserts, catalogue and
// ID writes, purge deletes, and retrieve queries run through the retry
// helpers in retry.go, which absorb BUSY/LOCKED contention between the
// writer, readers, and the purge loop. The remaining reads (fetch,
// statistics, catalogue and ID loading, purge range probes), ATTACH, and
// ROLLBACK run once and return a BUSY/LOCKED error to the caller.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Config holds readings store configuration.
type Config struct {
	Dir                string // Directory holding readings_<d>.db files
	ReadingsToAllocate int    // Tables pre-allocated per database file
	PurgeBlockSize     int    // Initial purge DELETE block size

	// BlockTimeObserver, when set, receives the wall time of every purge
	// DELETE block (metrics hook).
	BlockTimeObserver func(time.Duration)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReadingsToAllocate <= 0 {
		out.ReadingsToAllocate = 15
	}
	if out.PurgeBlockSize <= 0 {
		out.PurgeBlockSize = defaultPurgeBlockSize
	}
	return out
}

// Store is the SQLite-backed readings store. It owns three dedicated
// connections: the writer (append paths and catalogue DDL), the reader
// (fetch/retrieve), and the purge connection. Attached database files are
// replayed onto each connection, so all three see the full catalogue.
type Store struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	writer *sql.Conn
	reader *sql.Conn
	purger *sql.Conn

	cat *catalogue

	// stmts is the per-table prepared INSERT arena, indexed by table_id.
	// Grown under cat.mu when a new table is first written.
	stmts []*sql.Stmt

	// lastAsset memoizes the previous append target so consecutive
	// readings for one asset skip catalogue resolution.
	lastAsset    string
	lastTableRef tableRef

	// writeAccessOngoing counts in-flight bulk writers. The purge loop
	// refuses to start a DELETE block while it is non-zero.
	writeAccessOngoing atomic.Int32

	purgeBlockSize int // owned by the purge loop

	readerMu sync.Mutex // serializes use of the reader connection
	writerMu sync.Mutex // serializes use of the writer connection

	closed atomic.Bool
}

// Open opens (or creates) the readings database layout under cfg.Dir,
// loads the catalogue, boots the global ID, and pre-allocates readings
// tables. The store is ready for appends when Open returns.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(100)&_pragma=journal_mode(WAL)",
		filepath.ToSlash(metaDBPath(cfg.Dir)))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open readings database: %w", err)
	}
	// Three dedicated connections: writer, reader, purge. ATTACH is
	// per-connection state, so the pool must never recycle them.
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(3)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:             db,
		cfg:            cfg,
		log:            log,
		purgeBlockSize: cfg.PurgeBlockSize,
	}

	if s.writer, err = db.Conn(ctx); err != nil {
		return nil, fmt.Errorf("acquire writer connection: %w", err)
	}
	if s.reader, err = db.Conn(ctx); err != nil {
		_ = s.writer.Close()
		return nil, fmt.Errorf("acquire reader connection: %w", err)
	}
	if s.purger, err = db.Conn(ctx); err != nil {
		_ = s.writer.Close()
		_ = s.reader.Close()
		return nil, fmt.Errorf("acquire purge connection: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	if err := s.loadCatalogue(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	if err := s.bootGlobalID(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	if err := s.preallocateTables(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}

	log.Info("readings store open",
		"dir", cfg.Dir,
		"databases", s.cat.maxDBID,
		"tables", len(s.cat.byAsset),
		"next_id", s.cat.nextID.Load())
	return s, nil
}

// metaDBPath is the service bookkeeping database: the catalogue, the
// global-ID record, and the statistics rows. Readings live in the
// attached readings_<d>.db files, which a connection may only attach
// once, hence the separate file.
func metaDBPath(dir string) string {
	return filepath.Join(dir, "tidemark.db")
}

// dbPath returns the filesystem path of database file readings_<d>.db.
func dbPath(dir string, dbID int) string {
	return filepath.Join(dir, fmt.Sprintf("readings_%d.db", dbID))
}

// dbAlias returns the attach alias of database readings_<d>.
func dbAlias(dbID int) string {
	return fmt.Sprintf("readings_%d", dbID)
}

// tableName returns the name of readings table <k>.
func tableName(tableID int) string {
	return fmt.Sprintf("readings_%d", tableID)
}

// qualifiedTable returns the alias-qualified table name readings_<d>.readings_<k>.
func qualifiedTable(ref tableRef) string {
	return dbAlias(ref.DB) + "." + tableName(ref.Table)
}

// conns returns the dedicated connections for attach replay.
func (s *Store) conns() []*sql.Conn {
	return []*sql.Conn{s.writer, s.reader, s.purger}
}

// ensureSchema creates the bookkeeping tables in the primary database and
// attaches readings_1.db under its readings_1 alias on every connection,
// so every readings table reference is uniformly alias-qualified.
func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS configuration_readings (
			global_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS asset_reading_catalogue (
			table_id   INTEGER PRIMARY KEY,
			db_id      INTEGER NOT NULL,
			asset_code TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			key         TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			value       INTEGER NOT NULL DEFAULT 0,
			previous_value INTEGER NOT NULL DEFAULT 0,
			ts          DATETIME DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.execConn(ctx, s.writer, stmt); err != nil {
			return wrapDBError("create schema", err)
		}
	}
	var n int
	if err := s.writer.QueryRowContext(ctx, `SELECT count(*) FROM configuration_readings`).Scan(&n); err != nil {
		return wrapDBError("probe configuration_readings", err)
	}
	if n == 0 {
		if _, err := s.execConn(ctx, s.writer, `INSERT INTO configuration_readings (global_id) VALUES (1)`); err != nil {
			return wrapDBError("seed configuration_readings", err)
		}
	}
	// readings_1.db always exists; later files appear via expansion.
	for _, conn := range s.conns() {
		if err := attachDatabase(ctx, conn, dbPath(s.cfg.Dir, 1), dbAlias(1)); err != nil {
			return err
		}
	}
	return nil
}

// attachDatabase attaches path under alias on conn, tolerating the alias
// already being attached (connection reuse across expansion replays).
func attachDatabase(ctx context.Context, conn *sql.Conn, path, alias string) error {
	_, err := conn.ExecContext(ctx,
		fmt.Sprintf(`ATTACH DATABASE '%s' AS %s`, filepath.ToSlash(path), alias))
	if err == nil {
		return nil
	}
	// "database <alias> is already in use" from a replay is benign.
	var count int
	probe := conn.QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_database_list WHERE name = ?`, alias)
	if scanErr := probe.Scan(&count); scanErr == nil && count > 0 {
		return nil
	}
	return fmt.Errorf("attach %s as %s: %w", path, alias, err)
}

// beginImmediate starts an IMMEDIATE transaction on the writer connection
// through the retry executor. IMMEDIATE takes the RESERVED lock up front so
// the batch's INSERTs cannot deadlock against the purge loop mid-way.
func (s *Store) beginImmediate(ctx context.Context) error {
	_, err := s.execConn(ctx, s.writer, "BEGIN IMMEDIATE")
	return err
}

func (s *Store) commit(ctx context.Context) error {
	_, err := s.execConn(ctx, s.writer, "COMMIT")
	return err
}

// rollback uses a background context so cleanup happens even when the
// caller's context is already canceled.
func (s *Store) rollback() {
	if _, err := s.writer.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		s.log.Error("rollback failed", "error", err)
	}
}

// WriteAccessOngoing reports the number of in-flight bulk writers.
func (s *Store) WriteAccessOngoing() int32 {
	return s.writeAccessOngoing.Load()
}

// Close writes the global ID back (clean-shutdown marker), finalizes the
// prepared-statement arena, and releases the connections. Safe to call
// once; later store calls return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if s.cat != nil {
		if err := s.writeBackGlobalID(ctx); err != nil {
			firstErr = err
			s.log.Error("global ID write-back failed", "error", err)
		}
	}
	for _, stmt := range s.stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.stmts = nil
	for _, conn := range s.conns() {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CreateStatistic inserts a statistics row if one does not exist.
func (s *Store) CreateStatistic(ctx context.Context, key, description string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	_, err := s.execConn(ctx, s.writer, `
		INSERT INTO statistics (key, description, value, previous_value)
		VALUES (?, ?, 0, 0)
		ON CONFLICT (key) DO NOTHING
	`, key, description)
	return wrapDBError("create statistic", err)
}

// UpdateStatistics adds each delta to its statistics row in one
// transaction. A missing row is an error; the caller creates rows first.
func (s *Store) UpdateStatistics(ctx context.Context, deltas map[string]int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(deltas) == 0 {
		return nil
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if err := s.beginImmediate(ctx); err != nil {
		return wrapDBError("begin statistics update", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.rollback()
		}
	}()
	for key, delta := range deltas {
		res, err := s.execConn(ctx, s.writer, `
			UPDATE statistics
			SET value = value + ?, ts = strftime('%Y-%m-%d %H:%M:%f', 'now')
			WHERE key = ?
		`, delta, key)
		if err != nil {
			return wrapDBError("update statistic", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update statistic %s: %w", key, ErrNotFound)
		}
	}
	if err := s.commit(ctx); err != nil {
		return wrapDBError("commit statistics update", err)
	}
	committed = true
	return nil
}

// Statistics returns the current value of every statistics row.
func (s *Store) Statistics(ctx context.Context) (map[string]int64, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	rows, err := s.reader.QueryContext(ctx, `SELECT key, value FROM statistics`)
	if err != nil {
		return nil, wrapDBError("query statistics", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapDBError("scan statistics row", err)
		}
		out[key] = value
	}
	return out, wrapDBError("iterate statistics rows", rows.Err())
}

// nowUTC is the server timestamp bound into INSERTs.
func nowUTC() time.Time {
	return time.Now().UTC()
}
