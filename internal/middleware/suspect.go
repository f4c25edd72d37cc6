package middleware

import (
	"net/http"
	"regexp"

	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
)

// suspiciousUA matches known scanning and exploitation tooling
// signatures. Flag only: blocking on a spoofable header invites both
// false positives and trivial evasion.
var suspiciousUA = regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|zgrab|dirbuster|gobuster|wpscan|acunetix|burpsuite|metasploit)`)

// SuspiciousClient logs requests whose user agent matches a scanner
// signature, and lets them through.
func SuspiciousClient(trail *audit.Trail, resolver *ipresolve.Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ua := r.UserAgent(); ua != "" && suspiciousUA.MatchString(ua) {
				trail.LogSecurityEvent(r.Context(), db.EventSuspiciousClient, audit.RequestContext{
					RequestID: GetRequestID(r.Context()),
					Method:    r.Method,
					Endpoint:  r.URL.Path,
					IP:        resolver.ClientIP(r),
					UserAgent: ua,
				}, "user agent matches scanner signature", nil)
			}
			next.ServeHTTP(w, r)
		})
	}
}
