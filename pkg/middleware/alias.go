package middleware

import (
	"net/http"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// AliasHandler rewrites accepted path aliases onto the canonical /api/v1
// prefix before routing. Requests may arrive under /api/v0 (the legacy
// prefix) or under a bare /v1 (clients configured with an OpenAI base URL).
type AliasHandler struct {
	Handler http.Handler
}

func (h *AliasHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rewritten := canonicalPath(r.URL.Path)
	if rewritten == r.URL.Path {
		h.Handler.ServeHTTP(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = rewritten
	r2.URL.RawPath = ""
	h.Handler.ServeHTTP(w, r2)
}

// canonicalPath maps aliased prefixes onto inference.APIPrefix. Paths outside
// the aliased prefixes (the Ollama surface under /api among them) pass
// through untouched.
func canonicalPath(path string) string {
	for _, prefix := range []string{inference.LegacyAPIPrefix, inference.OpenAIPrefix} {
		if path == prefix {
			return inference.APIPrefix
		}
		if strings.HasPrefix(path, prefix+"/") {
			return inference.APIPrefix + strings.TrimPrefix(path, prefix)
		}
	}
	return path
}
