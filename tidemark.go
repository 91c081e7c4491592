// Package tidemark provides a minimal public API for embedding the
// readings store in Go-based tooling.
//
// Most integrations should talk to the running service over its REST
// surface. This package exports only the essential types and the store
// constructor for programs that want direct, in-process access to a
// readings database.
package tidemark

import (
	"context"
	"log/slog"

	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/internal/storage/sqlite"
	"github.com/tidemark/tidemark/internal/types"
)

// Core types for working with readings
type (
	Reading     = types.Reading
	ReadingSet  = types.ReadingSet
	PurgeResult = storage.PurgeResult
	ResultSet   = storage.ResultSet
)

// Store is the readings storage engine.
type Store = sqlite.Store

// OpenStore opens (or creates) a readings database layout under dir.
// The caller owns the store and must Close it to record a clean
// shutdown.
func OpenStore(ctx context.Context, dir string, log *slog.Logger) (*Store, error) {
	return sqlite.Open(ctx, sqlite.Config{Dir: dir}, log)
}
