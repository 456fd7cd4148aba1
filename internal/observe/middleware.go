package observe

import (
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// HeaderRequestID carries the request identifier in responses.
const HeaderRequestID = "X-Request-ID"

const (
	logFmtRequest      = "%s %s -> %d (%s) request_id=%s"
	logFmtServerFailed = "%s %s failed with %d (%s) request_id=%s"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter

	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware returns an [http.Handler] wrapper that assigns a request ID,
// records request duration and logs the outcome. Every request is logged
// when verbose is set; otherwise only server errors are.
func Middleware(m *Metrics, log *logger.Logger, verbose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			w.Header().Set(HeaderRequestID, requestID)

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}

			m.RecordRequest(r.Context(), r.Method, route, rec.statusCode, elapsed)

			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				log.Error(logFmtServerFailed, r.Method, r.URL.Path, rec.statusCode, elapsed.Round(time.Millisecond), requestID)
			case verbose:
				log.Info(logFmtRequest, r.Method, r.URL.Path, rec.statusCode, elapsed.Round(time.Millisecond), requestID)
			}
		})
	}
}
