package middleware

import (
	"net/http"
	"net/url"

	"github.com/mavirek/apiwarden/internal/apierr"
	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
)

// CSRFGuard compares the Origin/Referer host against the expected host
// for state-changing calls. Secondary defense behind key possession:
// requests carrying neither header pass.
func CSRFGuard(expectedHost string, trail *audit.Trail, resolver *ipresolve.Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !stateChanging(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			claimed := r.Header.Get("Origin")
			if claimed == "" {
				claimed = r.Header.Get("Referer")
			}
			if claimed == "" {
				next.ServeHTTP(w, r)
				return
			}

			if host := hostOf(claimed); host != expectedHost {
				trail.LogSecurityEvent(r.Context(), db.EventOriginMismatch, audit.RequestContext{
					RequestID: GetRequestID(r.Context()),
					Method:    r.Method,
					Endpoint:  r.URL.Path,
					IP:        resolver.ClientIP(r),
					UserAgent: r.UserAgent(),
				}, "origin host "+host+" does not match expected", nil)
				apierr.Write(w, apierr.OriginMismatch())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
