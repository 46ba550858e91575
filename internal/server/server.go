// Package server exposes the ops HTTP surface: health, metrics, source
// status and a read-only query endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/metrics"
	"github.com/dssdlab/harvester/internal/pipeline"
	"github.com/dssdlab/harvester/internal/store"
)

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// sourceStatus is the /api/sources response row.
type sourceStatus struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Runs     int    `json:"runs"`
	Failures int    `json:"failures"`
}

// New builds the server and its routes.
func New(port int, sources []pipeline.Source, runner *pipeline.Runner, st store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	byName := make(map[string]pipeline.Source, len(sources))
	for _, src := range sources {
		byName[src.Name()] = src
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/api/sources", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]sourceStatus, 0, len(sources))
		for _, src := range sources {
			runs, failures := runner.Counters(src.Name())
			out = append(out, sourceStatus{
				Name:     src.Name(),
				Enabled:  src.Enabled(),
				Schedule: src.Schedule(),
				Runs:     runs,
				Failures: failures,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Post("/api/sources/{name}/run", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		src, ok := byName[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source"})
			return
		}
		go runner.RunScheduled(context.WithoutCancel(req.Context()), src)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})

	r.Get("/api/query", func(w http.ResponseWriter, req *http.Request) {
		stmt := strings.TrimSpace(req.URL.Query().Get("sql"))
		if !strings.HasPrefix(strings.ToUpper(stmt), "SELECT") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "only SELECT statements are allowed"})
			return
		}
		rows, err := st.Query(req.Context(), stmt)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown; it returns only on a listener error.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write(data)
}
