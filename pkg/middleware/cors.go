package middleware

import (
	"net/http"
	"strings"
)

// CorsMiddleware wraps handler with CORS handling for the given origin
// allowlist. A nil or empty allowlist disables CORS processing entirely.
// "*" allows every origin. Requests from unlisted origins are still served,
// but without an Access-Control-Allow-Origin header, so browsers refuse the
// response while non-browser clients are unaffected.
func CorsMiddleware(allowedOrigins []string, handler http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := resolveOrigin(allowedOrigins, r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

// resolveOrigin returns the Access-Control-Allow-Origin value for the request
// origin, or "" when the origin is not allowed. An allowlisted origin without
// an explicit port matches that origin on any port, so local dev servers work
// regardless of where they bind.
func resolveOrigin(allowedOrigins []string, origin string) string {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin == "" {
			continue
		}
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return origin
		}
	}
	return ""
}
