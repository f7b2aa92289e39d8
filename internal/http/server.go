// Package http exposes the storage engine over a small JSON API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"flintkv/internal/config"
	"flintkv/pkg/dberrors"
	"flintkv/pkg/engine"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 32 << 20
)

// Server represents the HTTP server over one engine instance.
type Server struct {
	db         *engine.Engine
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// NewServer creates a new server instance.
func NewServer(db *engine.Engine, cfg config.ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown == 0 {
		shutdown = defaultShutdownTimeout
	}
	readHeader := cfg.ReadHeaderTimeout
	if readHeader == 0 {
		readHeader = time.Second
	}
	return &Server{
		db:                db,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
		readHeaderTimeout: readHeader,
		shutdownTimeout:   shutdown,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/keys", s.handleListKeys)
	r.Get("/api/keys/{key}", s.handleGet)
	r.Put("/api/keys/{key}", s.handlePut)
	r.Delete("/api/keys/{key}", s.handleDelete)
	r.Post("/api/batch", s.handleBatch)
	r.Get("/api/stat", s.handleStat)
	r.Post("/api/compact", s.handleCompact)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrKeyIsEmpty), errors.Is(err, dberrors.ErrExceedMaxBatch):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrMergeInProgress):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrMergeThreshold), errors.Is(err, dberrors.ErrNoEnoughSpace):
		status = http.StatusPreconditionFailed
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("failed to read request body"))
		return
	}

	if err := s.db.Put([]byte(key), value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := s.db.Get([]byte(key))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.db.Delete([]byte(key)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.db.ListKeys()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	s.writeJSON(w, http.StatusOK, KeysResponse{Status: StatusSuccess, Keys: out})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("failed to decode batch request"))
		return
	}

	batch, err := s.db.NewWriteBatch(engine.DefaultWriteBatchOptions())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for k, v := range req.Puts {
		if err := batch.Put([]byte(k), []byte(v)); err != nil {
			s.writeError(w, err)
			return
		}
	}
	for _, k := range req.Deletes {
		if err := batch.Delete([]byte(k)); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := batch.Commit(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	stat, err := s.db.Stat()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatResponse{Status: StatusSuccess, Stat: stat})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Compact(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
