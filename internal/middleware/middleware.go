// Package middleware carries the security layers wrapped around every
// route: headers, CORS, content validation, CSRF, signatures, client
// heuristics, request logging.
package middleware

import (
	"context"
	"net/http"

	"github.com/mavirek/apiwarden/internal/audit"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID propagates a well-formed inbound correlation id or mints a
// fresh one, exposing it to handlers and echoing it on the response.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := audit.RequestID(r.Header.Get("X-Request-Id"))
			w.Header().Set("X-Request-Id", id)
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns the correlation id attached by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// responseInterceptor captures the status code and bytes written.
type responseInterceptor struct {
	http.ResponseWriter
	statusCode  int
	bytes       int64
	wroteHeader bool
	beforeWrite func(*responseInterceptor)
}

func newInterceptor(w http.ResponseWriter) *responseInterceptor {
	return &responseInterceptor{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseInterceptor) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	if rw.beforeWrite != nil {
		rw.beforeWrite(rw)
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseInterceptor) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}
