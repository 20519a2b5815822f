// Package admin serves the recovery API: saga inspection, retry and manual
// compensation over HTTP.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/lock"
	"github.com/rs/zerolog"
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealthCheck makes /health report unhealthy when check fails.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.health = check
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is the admin HTTP surface over a saga.Recovery.
type Server struct {
	recovery *saga.Recovery
	locker   lock.Locker
	metrics  http.Handler
	health   func(ctx context.Context) error
	logger   zerolog.Logger
}

// New returns a Server. Retry and compensate hold locker's lock on the
// instance for as long as they run.
func New(recovery *saga.Recovery, locker lock.Locker, opts ...Option) *Server {
	s := &Server{
		recovery: recovery,
		locker:   locker,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sagas", s.listSagas)
	mux.HandleFunc("GET /sagas/{id}", s.getSaga)
	mux.HandleFunc("GET /sagas/track/{sagaId}", s.trackSaga)
	mux.HandleFunc("POST /sagas/{id}/retry", s.retrySaga)
	mux.HandleFunc("POST /sagas/{id}/compensate", s.compensateSaga)
	mux.HandleFunc("GET /sagas/system/pending", s.pendingSagas)
	mux.HandleFunc("GET /health", s.healthCheck)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return withRecovery(s.logger, mux)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("admin request failed")
	writeError(w, status, err.Error())
}

func logIDParam(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid saga log id %q", raw)
	}
	return id, nil
}

// intQuery parses an optional positive integer query parameter.
func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func (s *Server) listSagas(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := saga.Filter{
		SagaType: r.URL.Query().Get("saga_type"),
		Page:     page,
		Limit:    limit,
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := saga.ParseSagaState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = state
	}

	result, err := s.recovery.ListSagas(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, result)
}

func (s *Server) getSaga(w http.ResponseWriter, r *http.Request) {
	id, err := logIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.recovery.GetSaga(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, inst)
}

func (s *Server) trackSaga(w http.ResponseWriter, r *http.Request) {
	inst, err := s.recovery.TrackSaga(r.Context(), r.PathValue("sagaId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, inst)
}

// locked runs fn while holding the admin lock of a saga log row.
func (s *Server) locked(ctx context.Context, logID int64, fn func() (any, error)) (any, error) {
	release, err := s.locker.TryLock(ctx, lock.AdminKey(logID))
	if err != nil {
		return nil, err
	}
	defer func() {
		// a fresh context: the request's may already be done
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Int64("log_id", logID).Msg("failed to release admin lock")
		}
	}()
	return fn()
}

func (s *Server) retrySaga(w http.ResponseWriter, r *http.Request) {
	id, err := logIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.locked(r.Context(), id, func() (any, error) {
		return s.recovery.RetrySaga(r.Context(), id)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, result)
}

func (s *Server) compensateSaga(w http.ResponseWriter, r *http.Request) {
	id, err := logIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.locked(r.Context(), id, func() (any, error) {
		return s.recovery.CompensateSaga(r.Context(), id)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, report)
}

func (s *Server) pendingSagas(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = saga.MaxPageLimit
	}
	items, err := s.recovery.PendingSagas(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, items)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeData(w, map[string]string{"status": "ok"})
}
