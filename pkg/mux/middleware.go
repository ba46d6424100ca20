package mux

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sepich/nix-cache-proxy/pkg/metrics"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-Id"

type routeKey struct{}

func withRoute(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeKey{}, name)))
	})
}

func routeName(r *http.Request) string {
	if name, ok := r.Context().Value(routeKey{}).(string); ok {
		return name
	}
	if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
		return route.GetName()
	}
	return routeUnmatched
}

// Middleware tags every request with an id, logs it once the response is
// written and records it in m. A nil m disables metrics.
func Middleware(logger *zap.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			route := routeName(r)
			elapsed := time.Since(start)
			if m != nil {
				m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
				m.Duration.WithLabelValues(route).Observe(elapsed.Seconds())
				m.ResponseBytes.WithLabelValues(route).Add(float64(rec.written))
			}

			logger.Debug("Handled HTTP request",
				zap.String("id", id),
				zap.String("method", r.Method),
				zap.String("uri", r.RequestURI),
				zap.String("route", route),
				zap.String("range", r.Header.Get("Range")),
				zap.String("remote", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.written),
				zap.Duration("duration", elapsed),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
