package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// statusRecorder wraps http.ResponseWriter to capture the status code and the
// body size. Not thread-safe; used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Flush lets streamed responses reach the client without buffering.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// statusAborted labels requests that ended without a response.
const statusAborted = "aborted"

// classifyStatus converts an HTTP status code to a metric status label.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus == http.StatusPartialContent:
		return "partial"
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusForbidden:
		return "access_denied"
	case httpStatus == http.StatusRequestedRangeNotSatisfiable:
		return "range_not_satisfiable"
	default:
		return "error"
	}
}

// withRequest tags the request with an id and a scoped logger, and records
// its status and duration under route.
func (s *Server) withRequest(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := log.With().Str("request_id", id).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)

		status := rec.getStatus()
		label := classifyStatus(status)
		if !rec.wroteHeader {
			// The client left before any response was written.
			label = statusAborted
		}
		duration := time.Since(start)
		s.metrics.RecordRequest(route, label, duration.Seconds())

		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Str("outcome", label).
			Int64("bytes", rec.written).
			Dur("duration", duration).
			Msg("HTTP request")
	}
}
