package middleware

import (
	"fmt"
	"net/http"
	"time"
)

// SecureHeaders stamps the standard response headers on every request:
// content sniffing and framing defenses, the API version marker, and a
// response-time marker written just before the status line goes out.
func SecureHeaders(apiVersion string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-Api-Version", apiVersion)

			rw := newInterceptor(w)
			rw.beforeWrite = func(i *responseInterceptor) {
				i.Header().Set("X-Response-Time", fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
			}

			next.ServeHTTP(rw, r)
		})
	}
}
