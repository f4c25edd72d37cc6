package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/ipresolve"
	"github.com/mavirek/apiwarden/internal/metrics"
)

// Observe records Prometheus metrics for every request.
func Observe(m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newInterceptor(w)
			next.ServeHTTP(rw, r)
			m.ObserveRequest(strconv.Itoa(rw.statusCode), time.Since(start))
		})
	}
}

// RequestLog appends the completed-request audit record. Rate-limited
// requests are skipped here: they are already logged exactly once as a
// security event, and one event must not appear under two kinds.
func RequestLog(trail *audit.Trail, resolver *ipresolve.Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newInterceptor(w)
			next.ServeHTTP(rw, r)

			if rw.statusCode == http.StatusTooManyRequests {
				return
			}

			reqSize := r.ContentLength
			if reqSize < 0 {
				reqSize = 0
			}
			trail.LogRequest(r.Context(), audit.RequestContext{
				RequestID: GetRequestID(r.Context()),
				Method:    r.Method,
				Endpoint:  r.URL.Path,
				IP:        resolver.ClientIP(r),
				UserAgent: r.UserAgent(),
			}, rw.statusCode, reqSize, rw.bytes, time.Since(start))
		})
	}
}
