// Package api exposes the readings REST surface: ingest, fetch, query,
// and purge. South-side plugins in other processes push through it; the
// in-process path calls the scheduler directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidemark/tidemark/internal/ingest"
	"github.com/tidemark/tidemark/internal/storage"
	"github.com/tidemark/tidemark/internal/storage/sqlite"
)

// VerifyFunc validates a bearer token. Backed by the management client's
// verify_token call; nil disables authentication.
type VerifyFunc func(ctx context.Context, token string) error

// Server is the readings HTTP listener.
type Server struct {
	scheduler *ingest.Scheduler
	store     *sqlite.Store
	verify    VerifyFunc
	log       *slog.Logger
	http      *http.Server
}

func NewServer(addr string, scheduler *ingest.Scheduler, store *sqlite.Store,
	verify VerifyFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{scheduler: scheduler, store: store, verify: verify, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /readings", s.auth(s.handleIngest))
	mux.HandleFunc("GET /readings", s.auth(s.handleFetch))
	mux.HandleFunc("PUT /readings/query", s.auth(s.handleQuery))
	mux.HandleFunc("PUT /readings/purge", s.auth(s.handlePurge))
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.log.Info("readings API listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// auth verifies the bearer token when a verifier is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verify != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || s.verify(r.Context(), token) != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	accepted, discarded, err := s.scheduler.IngestJSON(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readings":  accepted,
		"discarded": discarded,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	fromID, _ := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	readings, err := s.store.FetchReadings(r.Context(), fromID, count)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(readings),
		"rows":  readings,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	result, err := s.store.RetrieveReadings(r.Context(), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sent, _ := strconv.ParseInt(q.Get("sent"), 10, 64)
	retainUnsent := q.Get("flags") == "retain"

	var (
		result *storage.PurgeResult
		err    error
	)
	switch {
	case q.Get("age") != "":
		var age float64
		if age, err = strconv.ParseFloat(q.Get("age"), 64); err == nil {
			result, err = s.store.PurgeByAge(r.Context(), age, sent, retainUnsent)
		}
	case q.Get("size") != "":
		var keep int64
		if keep, err = strconv.ParseInt(q.Get("size"), 10, 64); err == nil {
			result, err = s.store.PurgeByRows(r.Context(), keep, sent, retainUnsent)
		}
	default:
		err = fmt.Errorf("purge needs age or size")
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
