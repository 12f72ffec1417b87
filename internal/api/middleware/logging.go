package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", taxonomy.TraceID(r.Context()),
		}
		if code := rec.Header().Get("X-Error-Code"); code != "" {
			attrs = append(attrs, "error_code", code)
		}
		slog.Info("request", attrs...)
	})
}
