package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/storage"
	"mls_sync/syncer"
)

const (
	shutdownTimeout   = 30 * time.Second
	middlewareTimeout = 60 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second

	defaultRunLimit = 20
	maxRunLimit     = 500
)

type Store interface {
	storage.CommandStore
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	GetSyncLogs(ctx context.Context, runID string) ([]models.SyncLog, error)
}

type StatsSource interface {
	GetStats(ctx context.Context) (*models.StatsSnapshot, error)
}

type StatusSource interface {
	State() syncer.State
	IsPaused() bool
}

// Server exposes sync triggers and read-only status over HTTP. Triggers are
// queued as commands so the daemon's poller runs them one at a time.
type Server struct {
	store  Store
	stats  StatsSource
	status StatusSource
	log    zerolog.Logger
}

func New(store Store, stats StatsSource, status StatusSource) *Server {
	return &Server{
		store:  store,
		stats:  stats,
		status: status,
		log:    logging.With("server"),
	}
}

var syncCommands = map[string]models.CommandType{
	"full":         models.CmdFullSync,
	"incremental":  models.CmdIncrementalSync,
	"targeted":     models.CmdTargetedSync,
	"retry-failed": models.CmdRetryFailed,
	"images":       models.CmdSyncImages,
	"geocode":      models.CmdGeocode,
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(middlewareTimeout))
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/sync/{mode}", s.handleSync)
	r.Post("/pause", s.handleEnqueue(models.CmdPause))
	r.Post("/resume", s.handleEnqueue(models.CmdResume))

	r.Get("/stats", s.handleStats)
	r.Get("/runs", s.handleRuns)
	r.Get("/runs/{id}/logs", s.handleRunLogs)

	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if runErr != nil {
			s.log.Error().Err(runErr).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return runErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.status.State(),
		"paused": s.status.IsPaused(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	cmd, ok := syncCommands[chi.URLParam(r, "mode")]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown sync mode")
		return
	}
	s.handleEnqueue(cmd)(w, r)
}

func (s *Server) handleEnqueue(cmd models.CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeParams(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if cmd == models.CmdTargetedSync && len(params.MLSIDs) == 0 {
			s.writeError(w, http.StatusBadRequest, "mls_ids required")
			return
		}

		id, err := s.store.EnqueueCommand(r.Context(), cmd, params)
		if err != nil {
			s.log.Error().Err(err).Str("command", string(cmd)).Msg("failed to enqueue command")
			s.writeError(w, http.StatusInternalServerError, "failed to enqueue command")
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"command_id": id, "command": cmd})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to compute stats")
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := s.store.GetSyncLogs(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", id).Msg("failed to get run logs")
		s.writeError(w, http.StatusInternalServerError, "failed to get run logs")
		return
	}
	if len(logs) == 0 {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "logs": logs})
}

// decodeParams reads optional command params. An empty body means defaults.
func decodeParams(r *http.Request) (*models.CommandParams, error) {
	var params models.CommandParams
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
