package main

import (
	"net/http"
	"time"

	"github.com/blueberrycongee/llmgate/internal/observability"
)

// withMiddleware wraps the mux with panic recovery and access logging.
func withMiddleware(next http.Handler, logger *observability.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, `{"error":{"type":"internal_error","message":"internal error"}}`,
					http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
		logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
