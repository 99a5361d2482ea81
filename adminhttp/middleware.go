package adminhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modplane"
)

// RequestLogger logs one record per request. 5xx responses log at error
// level and 4xx at warn.
func RequestLogger(logger modplane.Logger) func(http.Handler) http.Handler {
	logger = modplane.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}

			log := logger.Info
			switch {
			case status >= 500:
				log = logger.Error
			case status >= 400:
				log = logger.Warn
			}
			log("http_request",
				"method", r.Method,
				"path", path,
				"status", status,
				"duration", time.Since(start),
				"client_ip", r.RemoteAddr,
				"bytes", ww.BytesWritten(),
			)
		})
	}
}
