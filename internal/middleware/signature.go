package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/mavirek/apiwarden/internal/apierr"
	"github.com/mavirek/apiwarden/internal/audit"
	"github.com/mavirek/apiwarden/internal/crypto"
	"github.com/mavirek/apiwarden/internal/db"
	"github.com/mavirek/apiwarden/internal/ipresolve"
)

const signatureHeader = "X-Signature"

// SignatureVerifier recomputes a keyed hash over the raw, undecoded body
// and compares it to the supplied signature without timing leaks. Length
// mismatches take the same constant-time path as content mismatches. An
// empty secret disables the check.
func SignatureVerifier(secret string, trail *audit.Trail, resolver *ipresolve.Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !stateChanging(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			reject := func(detail string) {
				trail.LogSecurityEvent(r.Context(), db.EventSignatureInvalid, audit.RequestContext{
					RequestID: GetRequestID(r.Context()),
					Method:    r.Method,
					Endpoint:  r.URL.Path,
					IP:        resolver.ClientIP(r),
					UserAgent: r.UserAgent(),
				}, detail, nil)
				apierr.Write(w, apierr.SignatureInvalid())
			}

			supplied := r.Header.Get(signatureHeader)
			if supplied == "" {
				reject("missing signature header")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				reject("unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))

			if !crypto.ConstantTimeEqual([]byte(expected), []byte(supplied)) {
				reject("signature mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
