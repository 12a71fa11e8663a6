package ollama

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// newShowTestHandler builds a handler over an offline store with one
// registered model. The returned store allows tests to stage weight files.
func newShowTestHandler(t *testing.T) (*HTTPHandler, *weights.Store) {
	t.Helper()
	cat, err := catalog.New(testLogger(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.Register(catalog.Entry{
		Name:       "user.tiny",
		Checkpoint: "org/tiny-GGUF:Q4_0",
		Recipe:     catalog.RecipeLlamaCpp,
	}))

	store := weights.NewStore(testLogger(), t.TempDir(), weights.NewHubClient(), true)
	manager := models.NewManager(testLogger(), cat, store, nil, nil)
	return NewHTTPHandler(testLogger(), nil, http.NotFoundHandler(), nil, manager), store
}

func showModel(t *testing.T, handler *HTTPHandler, name string) (int, ShowResponse) {
	t.Helper()
	body := `{"name": "` + name + `"}`
	r := httptest.NewRequest(http.MethodPost, "/api/show", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	var response ShowResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w.Code, response
}

func TestShowModelWithoutWeights(t *testing.T) {
	handler, _ := newShowTestHandler(t)

	code, response := showModel(t, handler, "user.tiny")
	require.Equal(t, http.StatusOK, code)

	// No local weights: model_info falls back to placeholder values.
	assert.Equal(t, catalog.RecipeLlamaCpp, response.ModelInfo["general.architecture"])
	assert.Equal(t, float64(0), response.ModelInfo["general.file_type"])
	assert.Equal(t, float64(0), response.ModelInfo["general.parameter_count"])
	assert.Contains(t, response.Modelfile, "org/tiny-GGUF:Q4_0")
}

func TestShowModelUnparseableWeights(t *testing.T) {
	handler, store := newShowTestHandler(t)

	// Stage a weights file whose header is not valid GGUF; the handler
	// keeps the placeholders rather than failing the request.
	snapshotDir := store.SnapshotDir("org/tiny-GGUF")
	require.NoError(t, os.MkdirAll(snapshotDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapshotDir, "tiny-Q4_0.gguf"), []byte("not-gguf"), 0o644))

	code, response := showModel(t, handler, "user.tiny")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), response.ModelInfo["general.file_type"])
}

func TestShowModelStripsLatestTag(t *testing.T) {
	handler, _ := newShowTestHandler(t)

	code, _ := showModel(t, handler, "user.tiny:latest")
	assert.Equal(t, http.StatusOK, code)

	code, _ = showModel(t, handler, "user.absent:latest")
	assert.Equal(t, http.StatusNotFound, code)
}
