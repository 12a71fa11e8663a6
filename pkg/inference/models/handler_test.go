package models

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

func testLogger() logging.Logger {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(discard)
}

// fakeHub serves repository trees and file contents for the weights store.
type fakeHub struct {
	repos map[string]map[string][]byte
}

func (h *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/models/")
		repo, _, ok := strings.Cut(rest, "/tree/")
		files, found := h.repos[repo]
		if !ok || !found {
			http.NotFound(w, r)
			return
		}
		var listing []weights.RepoFile
		for name, content := range files {
			listing = append(listing, weights.RepoFile{Type: "file", Path: name, Size: int64(len(content))})
		}
		_ = json.NewEncoder(w).Encode(listing)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		for repo, files := range h.repos {
			prefix := "/" + repo + "/resolve/main/"
			if !strings.HasPrefix(r.URL.Path, prefix) {
				continue
			}
			name := strings.TrimPrefix(r.URL.Path, prefix)
			if content, ok := files[name]; ok {
				http.ServeContent(w, r, name, time.Unix(1704067200, 0), bytes.NewReader(content))
				return
			}
		}
		http.NotFound(w, r)
	})
	return mux
}

func qwenHub() *fakeHub {
	return &fakeHub{repos: map[string]map[string][]byte{
		"unsloth/Qwen3-0.6B-GGUF": {
			"Qwen3-0.6B-Q4_0.gguf": []byte("qwen-q4-weights"),
			"README.md":            []byte("readme"),
		},
	}}
}

// fakeRuntime is a backend with self-managed weights.
type fakeRuntime struct {
	name      string
	installed bool
	pulls     []string
	pullErr   error
}

func (f *fakeRuntime) Name() string                                { return f.name }
func (f *fakeRuntime) UsesExternalWeights() bool                   { return true }
func (f *fakeRuntime) Install(context.Context, *http.Client) error { return nil }
func (f *fakeRuntime) Resident() bool                              { return true }
func (f *fakeRuntime) ReadyPath() string                           { return "" }
func (f *fakeRuntime) GetDiskUsage() (int64, error)                { return 0, nil }

func (f *fakeRuntime) Run(ctx context.Context, _ int, _ string, _ inference.ModelArtifacts, _ inference.BackendMode, _ *inference.BackendConfiguration) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRuntime) Proxy(int, string, inference.ModelArtifacts) http.Handler {
	return http.NotFoundHandler()
}

func (f *fakeRuntime) Status() string {
	if f.installed {
		return "installed"
	}
	return "not installed"
}

func (f *fakeRuntime) PullModel(_ context.Context, checkpoint string) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulls = append(f.pulls, checkpoint)
	return nil
}

type handlerTestEnv struct {
	handler  *HTTPHandler
	manager  *Manager
	catalog  *catalog.Catalog
	store    *weights.Store
	unloaded []string
}

func newHandlerEnv(t *testing.T, hub *fakeHub, backends map[string]inference.Backend) *handlerTestEnv {
	t.Helper()
	if hub == nil {
		hub = &fakeHub{}
	}
	srv := httptest.NewServer(hub.handler())
	t.Cleanup(srv.Close)

	client := weights.NewHubClient(weights.WithBaseURL(srv.URL))
	store := weights.NewStore(testLogger(), t.TempDir(), client, false)
	cat, err := catalog.New(testLogger(), t.TempDir())
	require.NoError(t, err)

	env := &handlerTestEnv{catalog: cat, store: store}
	env.manager = NewManager(testLogger(), cat, store, backends, func(_ context.Context, name string) {
		env.unloaded = append(env.unloaded, name)
	})
	env.handler = NewHTTPHandler(testLogger(), env.manager, nil)
	return env
}

func (env *handlerTestEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	return w
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) OpenAIModelList {
	t.Helper()
	var list OpenAIModelList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	return list
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	return e
}

func decodeProgress(t *testing.T, body string) []weights.ProgressMessage {
	t.Helper()
	var records []weights.ProgressMessage
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var record weights.ProgressMessage
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}
	return records
}

func TestListModels(t *testing.T) {
	env := newHandlerEnv(t, qwenHub(), nil)

	// Nothing downloaded yet, so the default listing is empty.
	w := env.do(t, http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	list := decodeList(t, w)
	require.Equal(t, "list", list.Object)
	require.Empty(t, list.Data)

	// show_all exposes the full catalog.
	w = env.do(t, http.MethodGet, "/api/v1/models?show_all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	list = decodeList(t, w)
	require.NotEmpty(t, list.Data)
	var qwen *OpenAIModel
	for _, m := range list.Data {
		require.Equal(t, "model", m.Object)
		require.NotNil(t, m.Labels)
		if m.ID == "Qwen3-0.6B-GGUF" {
			qwen = m
		}
	}
	require.NotNil(t, qwen)
	require.Equal(t, "unsloth/Qwen3-0.6B-GGUF:Q4_0", qwen.Checkpoint)
	require.Equal(t, catalog.RecipeLlamaCpp, qwen.Recipe)
	require.False(t, qwen.Downloaded)
	require.True(t, qwen.Suggested)
}

func TestPullThenListShowsDownloaded(t *testing.T) {
	env := newHandlerEnv(t, qwenHub(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var pulled PullResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pulled))
	require.Equal(t, "success", pulled.Status)
	require.Equal(t, "Qwen3-0.6B-GGUF", pulled.ModelName)

	entry, err := env.catalog.Lookup("Qwen3-0.6B-GGUF")
	require.NoError(t, err)
	require.True(t, env.store.Downloaded(entry))

	w = env.do(t, http.MethodGet, "/api/v1/models", "")
	list := decodeList(t, w)
	require.Len(t, list.Data, 1)
	require.Equal(t, "Qwen3-0.6B-GGUF", list.Data[0].ID)
	require.True(t, list.Data[0].Downloaded)
}

func TestGetModel(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/models/Qwen3-0.6B-GGUF", "")
	require.Equal(t, http.StatusOK, w.Code)
	var model OpenAIModel
	require.NoError(t, json.NewDecoder(w.Body).Decode(&model))
	require.Equal(t, "Qwen3-0.6B-GGUF", model.ID)
	require.False(t, model.Downloaded)

	w = env.do(t, http.MethodGet, "/api/v1/models/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "model_not_found", decodeError(t, w).Error.Code)
}

func TestPullRegistersUserModel(t *testing.T) {
	hub := &fakeHub{repos: map[string]map[string][]byte{
		"org/tiny-GGUF": {"tiny-Q4_0.gguf": []byte("tiny-weights")},
	}}
	env := newHandlerEnv(t, hub, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull",
		`{"model_name": "user.tiny", "checkpoint": "org/tiny-GGUF:Q4_0", "recipe": "llamacpp", "vision": true}`)
	require.Equal(t, http.StatusOK, w.Code)

	entry, err := env.catalog.Lookup("user.tiny")
	require.NoError(t, err)
	require.Equal(t, "org/tiny-GGUF:Q4_0", entry.Checkpoint)
	require.Equal(t, catalog.RecipeLlamaCpp, entry.Recipe)
	require.True(t, entry.Vision())
	require.True(t, entry.UserDefined())

	// A second pull of the same name reuses the registration.
	w = env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "user.tiny"}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPullUnknownModel(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	// Without registration fields an unknown name is a lookup failure.
	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "no-such-model"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "model_not_found", decodeError(t, w).Error.Code)
}

func TestPullValidation(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decodeError(t, w).Error.Message, "model_name is required")

	w = env.do(t, http.MethodPost, "/api/v1/pull", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Registrations must use the user model namespace.
	w = env.do(t, http.MethodPost, "/api/v1/pull",
		`{"model_name": "tiny", "checkpoint": "org/tiny-GGUF:Q4_0", "recipe": "llamacpp"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decodeError(t, w).Error.Message, "user.")
}

func TestPullStreamsProgress(t *testing.T) {
	env := newHandlerEnv(t, qwenHub(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Qwen3-0.6B-GGUF", "stream": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	records := decodeProgress(t, w.Body.String())
	require.NotEmpty(t, records)
	require.Equal(t, "progress", records[0].Type)
	require.Contains(t, records[0].Message, "Fetching file list")
	last := records[len(records)-1]
	require.Equal(t, "success", last.Type)
	require.Equal(t, "Downloaded Qwen3-0.6B-GGUF", last.Message)
}

func TestPullStreamReportsError(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Qwen3-0.6B-GGUF", "stream": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeProgress(t, w.Body.String())
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	require.Equal(t, "error", last.Type)
	require.NotEmpty(t, last.Message)
}

func TestPullMissingWeights(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "weights_missing", decodeError(t, w).Error.Code)
}

func TestPullSelfManagedRuntime(t *testing.T) {
	runtime := &fakeRuntime{name: "flm", installed: true}
	env := newHandlerEnv(t, nil, map[string]inference.Backend{catalog.RecipeFLM: runtime})

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Llama-3.2-1B-FLM"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"llama3.2:1b"}, runtime.pulls)

	// Installed runtimes report their models as available.
	w = env.do(t, http.MethodGet, "/api/v1/models", "")
	list := decodeList(t, w)
	require.Len(t, list.Data, 1)
	require.Equal(t, "Llama-3.2-1B-FLM", list.Data[0].ID)
	require.True(t, list.Data[0].Downloaded)

	// Streamed pulls report delegation to the runtime.
	w = env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Llama-3.2-1B-FLM", "stream": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeProgress(t, w.Body.String())
	require.Contains(t, records[0].Message, "through flm")
}

func TestDeleteModel(t *testing.T) {
	env := newHandlerEnv(t, qwenHub(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull", `{"model_name": "Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/delete", `{"model_name": "Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp DeleteResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "success", resp.Status)
	require.Equal(t, "Deleted model: Qwen3-0.6B-GGUF", resp.Message)

	// The model was released before its files were removed.
	require.Equal(t, []string{"Qwen3-0.6B-GGUF"}, env.unloaded)

	entry, err := env.catalog.Lookup("Qwen3-0.6B-GGUF")
	require.NoError(t, err)
	require.False(t, env.store.Downloaded(entry))

	// Built-in entries stay in the catalog.
	w = env.do(t, http.MethodGet, "/api/v1/models/Qwen3-0.6B-GGUF", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteUserModelUnregisters(t *testing.T) {
	hub := &fakeHub{repos: map[string]map[string][]byte{
		"org/tiny-GGUF": {"tiny-Q4_0.gguf": []byte("tiny")},
	}}
	env := newHandlerEnv(t, hub, nil)

	w := env.do(t, http.MethodPost, "/api/v1/pull",
		`{"model_name": "user.tiny", "checkpoint": "org/tiny-GGUF:Q4_0", "recipe": "llamacpp"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/delete", `{"model": "user.tiny"}`)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := env.catalog.Lookup("user.tiny")
	require.Error(t, err)

	w = env.do(t, http.MethodPost, "/api/v1/delete", `{"model": "user.tiny"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteValidation(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/delete", `{"model_name": "ghost"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "model_not_found", decodeError(t, w).Error.Code)

	w = env.do(t, http.MethodPost, "/api/v1/delete", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreflightAgainstModelRoutes(t *testing.T) {
	env := newHandlerEnv(t, nil, nil)
	env.handler.RebuildRoutes([]string{"*"})

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/pull", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
