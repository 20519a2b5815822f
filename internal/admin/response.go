package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/lock"
	"github.com/fortressi/saga/internal/logger"
	"github.com/rs/zerolog"
)

// envelope is the body of every admin response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}

// statusFor maps recovery errors onto HTTP status codes.
func statusFor(err error) int {
	var stepErr *saga.StepError
	var logErr *saga.LogError
	switch {
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound
	case saga.IsPrecondition(err), errors.Is(err, lock.ErrHeld):
		return http.StatusConflict
	case errors.Is(err, saga.ErrUnknownSagaType):
		return http.StatusUnprocessableEntity
	case errors.As(err, &logErr):
		return http.StatusInternalServerError
	case errors.As(err, &stepErr):
		// the retried run failed again and was compensated
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if id == "" {
		id = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	}
	return id
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// withRecovery logs every request and turns a handler panic into a 500.
func withRecovery(base zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		reqLogger := logger.WithContext(r.Context(), base).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", requestID(r)).
			Logger()

		defer func() {
			if v := recover(); v != nil {
				reqLogger.Error().
					Interface("panic", v).
					Bytes("stack", debug.Stack()).
					Msg("admin handler panicked")
				if sw.status == 0 {
					writeError(sw, http.StatusInternalServerError, "internal server error")
				}
			}
			reqLogger.Debug().
				Int("status", sw.status).
				Dur("duration", time.Since(started)).
				Msg("admin request")
		}()
		next.ServeHTTP(sw, r)
	})
}
