package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if called != nil {
			*called = true
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorsDisabledWithoutAllowlist(t *testing.T) {
	handler := CorsMiddleware(nil, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsWildcardAllowsEveryOrigin(t *testing.T) {
	handler := CorsMiddleware([]string{"*"}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.Header.Set("Origin", "http://anywhere.example:1339")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// The wildcard headers are attached even without a request origin, the
	// way a default-header CORS setup behaves.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsAllowlistEchoesOrigin(t *testing.T) {
	handler := CorsMiddleware([]string{"http://localhost", "https://app.example.com"}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Values("Vary"), "Origin")
}

func TestCorsAllowlistMatchesAnyPort(t *testing.T) {
	handler := CorsMiddleware([]string{"http://localhost"}, okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", http.NoBody)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsDisallowedOriginStillServed(t *testing.T) {
	called := false
	handler := CorsMiddleware([]string{"http://localhost"}, okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", http.NoBody)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// The middleware never blocks; the absent header makes the browser
	// refuse the response.
	require.True(t, called)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsPreflightShortCircuits(t *testing.T) {
	called := false
	handler := CorsMiddleware([]string{"*"}, okHandler(&called))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat/completions", http.NoBody)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.False(t, called)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}
