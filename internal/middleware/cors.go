package middleware

import (
	"github.com/go-chi/cors"
)

// CORS returns the cross-origin policy for the query UI. The API is
// GET/POST only, so no other methods are offered. Retry-After is
// exposed so a rate-limited client can back off instead of hammering.
// A wildcard origin forces AllowCredentials off (browsers reject
// Access-Control-Allow-Credentials: true with a wildcard).
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
