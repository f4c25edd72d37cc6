package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS builds the fixed allow-list CORS layer: explicit methods and
// headers, no credentialed cross-origin.
func CORS(allowedOrigins []string) Middleware {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{
			"Content-Type", "X-Api-Key", "X-User-Email",
			"X-Request-Id", "X-Signature", "Authorization",
		},
		AllowCredentials: false,
		MaxAge:           600,
	})
	return c.Handler
}
