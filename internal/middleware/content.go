package middleware

import (
	"mime"
	"net/http"

	"github.com/mavirek/apiwarden/internal/apierr"
)

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// ContentGuard enforces a declared structured content type and a body
// size ceiling on state-changing methods, independently of whatever the
// downstream parser would tolerate.
func ContentGuard(maxBodyBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !stateChanging(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > maxBodyBytes {
				apierr.Write(w, apierr.RequestTooLarge(maxBodyBytes))
				return
			}

			// ContentLength of -1 (chunked or unknown length) still
			// carries a body and must declare its type
			if r.ContentLength != 0 {
				mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
				if err != nil || mt != "application/json" {
					apierr.Write(w, apierr.ContentTypeInvalid())
					return
				}
			}

			// hard stop even when Content-Length lies
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}
