package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "cronhub/pkg/logx"
)

// Observer receives one sample per served request.
type Observer interface {
	ObserveHTTP(method, path string, status int, took time.Duration)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

func requestLogger(log logx.Logger, obs Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			took := time.Since(start)
			path := routePattern(r)
			if obs != nil {
				obs.ObserveHTTP(r.Method, path, status, took)
			}

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("took", took),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Warn("http request", fields...)
			case path == "/healthz" || path == "/metrics":
				log.Trace("http request", fields...)
			default:
				log.Debug("http request", fields...)
			}
		})
	}
}
