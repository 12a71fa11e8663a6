package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends/llamacpp"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

const testWebsocketPort = 8100

// handlerTestEnv runs a scheduler with fake engines behind the HTTP handler.
type handlerTestEnv struct {
	handler   *HTTPHandler
	scheduler *Scheduler
	fakes     map[string]*fakeBackend
}

// newHandlerEnv builds the environment with one fake engine per family name.
// The first family doubles as the default backend, mirroring how the server
// wires llama.cpp.
func newHandlerEnv(t *testing.T, families ...string) *handlerTestEnv {
	t.Helper()
	if len(families) == 0 {
		families = []string{llamacpp.Name}
	}

	fakes := make(map[string]*fakeBackend, len(families))
	backends := make(map[string]inference.Backend, len(families))
	for _, family := range families {
		b := newFakeBackend(family)
		fakes[family] = b
		backends[family] = b
	}

	cat, err := catalog.New(testLogger(), t.TempDir())
	require.NoError(t, err)

	s := NewScheduler(testLogger(), backends, backends[families[0]], cat, nil,
		http.DefaultClient, telemetry.NewAggregator())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, family := range families {
		require.Eventually(t, func() bool {
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer waitCancel()
			return s.installer.wait(waitCtx, family) == nil
		}, 5*time.Second, 10*time.Millisecond)
	}

	modelStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"delegated":%q}`, r.URL.Path)
	})

	return &handlerTestEnv{
		handler:   NewHTTPHandler(s, modelStub, testWebsocketPort, nil),
		scheduler: s,
		fakes:     fakes,
	}
}

func (env *handlerTestEnv) do(method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	if body == nil {
		body = http.NoBody
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func (env *handlerTestEnv) postJSON(path, body string) *httptest.ResponseRecorder {
	return env.do(http.MethodPost, path, "application/json", strings.NewReader(body))
}

// apiError mirrors the error envelope written by the handlers.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var envelope apiError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestChatCompletionForwardsToRunner(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/chat/completions",
		`{"model":"Qwen3-0.6B-GGUF","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "served by Qwen3-0.6B-GGUF")
	// The public /api prefix is stripped before the request reaches the
	// engine, which follows the OpenAI layout under /v1.
	assert.Equal(t, []string{"/v1/chat/completions"}, env.fakes[llamacpp.Name].forwardedPaths())
}

func TestChatCompletionUnknownModel(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/chat/completions", `{"model":"no-such-model"}`)

	require.Equal(t, http.StatusNotFound, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "model_not_found", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "no-such-model")
}

func TestChatCompletionRejectsBadBodies(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/chat/completions", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", decodeError(t, w).Error.Code)

	w = env.postJSON("/api/v1/chat/completions", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionUnsupportedEngine(t *testing.T) {
	env := newHandlerEnv(t)

	// The FLM recipe has no registered engine in this environment.
	w := env.postJSON("/api/v1/chat/completions", `{"model":"Llama-3.2-1B-FLM"}`)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	envelope := decodeError(t, w)
	assert.Equal(t, "unsupported_platform", envelope.Error.Code)
	assert.Contains(t, envelope.Error.Message, "flm")
}

func TestCapabilityGates(t *testing.T) {
	env := newHandlerEnv(t)

	// Chat endpoints refuse models whose labels announce other capabilities.
	w := env.postJSON("/api/v1/chat/completions", `{"model":"Nomic-Embed-Text-V2-GGUF"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "does not support completions")

	w = env.postJSON("/api/v1/chat/completions", `{"model":"SD-Turbo"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// And the embedding endpoint refuses chat models.
	w = env.postJSON("/api/v1/embeddings", `{"model":"Qwen3-0.6B-GGUF","input":"hi"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "does not support embeddings")

	w = env.postJSON("/api/v1/embeddings", `{"model":"Nomic-Embed-Text-V2-GGUF","input":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRerankSpellings(t *testing.T) {
	env := newHandlerEnv(t)

	for _, path := range []string{"/api/v1/rerank", "/api/v1/reranking"} {
		w := env.postJSON(path, `{"model":"BGE-Reranker-V2-M3-GGUF","query":"q","documents":["a"]}`)
		require.Equal(t, http.StatusOK, w.Code, path)
	}

	// Both spellings resolve to the single upstream rerank route.
	assert.Equal(t, []string{"/v1/rerank", "/v1/rerank"}, env.fakes[llamacpp.Name].forwardedPaths())
}

func TestLoadUnloadLifecycle(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/load", `{"model_name":"Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var loaded LoadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loaded))
	assert.Equal(t, "success", loaded.Status)
	assert.Equal(t, "Qwen3-0.6B-GGUF", loaded.ModelName)
	assert.Equal(t, "unsloth/Qwen3-0.6B-GGUF:Q4_0", loaded.Checkpoint)
	assert.Equal(t, llamacpp.Name, loaded.Recipe)
	assert.Empty(t, loaded.Message)

	w = env.do(http.MethodGet, "/api/v1/ps", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []RunnerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "Qwen3-0.6B-GGUF", statuses[0].ModelName)
	assert.Equal(t, "completion", statuses[0].Mode)
	assert.Equal(t, uint(0), statuses[0].References)

	// Loading an already resident model does not relaunch it.
	w = env.postJSON("/api/v1/load", `{"model":"Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loaded))
	assert.Equal(t, "Model already loaded", loaded.Message)
	assert.Equal(t, 1, env.fakes[llamacpp.Name].calls())

	w = env.postJSON("/api/v1/unload", `{"model_name":"Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var unloaded UnloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unloaded))
	assert.Equal(t, "success", unloaded.Status)
	assert.Equal(t, []string{"Qwen3-0.6B-GGUF"}, unloaded.Unloaded)

	w = env.do(http.MethodGet, "/api/v1/ps", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Empty(t, statuses)
}

func TestUnloadWithoutBodyUnloadsEverything(t *testing.T) {
	env := newHandlerEnv(t)

	for _, model := range []string{"Qwen3-0.6B-GGUF", "Llama-3.2-1B-Instruct-GGUF"} {
		w := env.postJSON("/api/v1/load", fmt.Sprintf(`{"model_name":%q}`, model))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(http.MethodPost, "/api/v1/unload", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var unloaded UnloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unloaded))
	assert.Equal(t, []string{"Llama-3.2-1B-Instruct-GGUF", "Qwen3-0.6B-GGUF"}, unloaded.Unloaded)
}

func TestLoadAppliesContextSize(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/load", `{"model_name":"Llama-3.2-1B-Instruct-GGUF","ctx_size":2048}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []int{2048}, env.fakes[llamacpp.Name].seenContextSizes())
}

func TestConfigureAppliesAtNextLoad(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/params",
		`{"model_name":"Qwen3-0.6B-GGUF","ctx_size":4096,"raw_extra_args":"--ubatch-size 512 -ngl 99"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")

	w = env.postJSON("/api/v1/load", `{"model_name":"Qwen3-0.6B-GGUF"}`)
	require.Equal(t, http.StatusOK, w.Code)

	backend := env.fakes[llamacpp.Name]
	assert.Equal(t, []int{4096}, backend.seenContextSizes())
	assert.Equal(t, [][]string{{"--ubatch-size", "512", "-ngl", "99"}}, backend.seenExtraArgs())

	// Resident runners cannot be reconfigured in place.
	w = env.postJSON("/api/v1/params", `{"model_name":"Qwen3-0.6B-GGUF","ctx_size":8192}`)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestConfigureUnknownModel(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.postJSON("/api/v1/params", `{"model_name":"no-such-model","ctx_size":4096}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.postJSON("/api/v1/params", `{"ctx_size":4096}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthReportsPoolState(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, testWebsocketPort, health.WebsocketPort)
	assert.Empty(t, health.ModelsLoaded)
	assert.Equal(t, map[string]int{llamacpp.Name: 2}, health.MaxModels)

	env.postJSON("/api/v1/load", `{"model_name":"Qwen3-0.6B-GGUF"}`)
	w = env.do(http.MethodGet, "/api/v1/health", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, []string{"Qwen3-0.6B-GGUF"}, health.ModelsLoaded)
}

func TestStatsReflectLastResponseUsage(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var before telemetry.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &before))
	assert.Zero(t, before.OutputTokens)

	env.postJSON("/api/v1/chat/completions", `{"model":"Qwen3-0.6B-GGUF","messages":[]}`)

	// The fake engine reports usage of 7 prompt and 3 completion tokens.
	w = env.do(http.MethodGet, "/api/v1/stats", "", nil)
	var after telemetry.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &after))
	assert.Equal(t, 7, after.InputTokens)
	assert.Equal(t, 7, after.PromptTokens)
	assert.Equal(t, 3, after.OutputTokens)
}

func TestModelRoutesDelegate(t *testing.T) {
	env := newHandlerEnv(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/models"},
		{http.MethodGet, "/api/v1/models/Qwen3-0.6B-GGUF"},
		{http.MethodPost, "/api/v1/pull"},
		{http.MethodPost, "/api/v1/delete"},
	} {
		w := env.do(tc.method, tc.path, "application/json", strings.NewReader(`{}`))
		require.Equal(t, http.StatusOK, w.Code, tc.path)
		assert.Contains(t, w.Body.String(), fmt.Sprintf("%q", tc.path))
	}
}

func TestMediaRoutes(t *testing.T) {
	env := newHandlerEnv(t, llamacpp.Name, catalog.RecipeSDCpp, catalog.RecipeWhisperCpp, catalog.RecipeKokoro)

	w := env.postJSON("/api/v1/images/generations", `{"model":"SD-Turbo","prompt":"a lemon"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "served by SD-Turbo")
	assert.Equal(t, []string{"/v1/images/generations"}, env.fakes[catalog.RecipeSDCpp].forwardedPaths())

	w = env.postJSON("/api/v1/audio/speech", `{"model":"Kokoro-82M","input":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"/v1/audio/speech"}, env.fakes[catalog.RecipeKokoro].forwardedPaths())

	// Chat models are refused on media routes.
	w = env.postJSON("/api/v1/images/generations", `{"model":"Qwen3-0.6B-GGUF","prompt":"a lemon"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "does not support image generation")

	w = env.postJSON("/api/v1/audio/speech", `{"model":"Whisper-Tiny","input":"hello"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "does not support speech synthesis")
}

func TestTranscriptionMultipart(t *testing.T) {
	env := newHandlerEnv(t, llamacpp.Name, catalog.RecipeWhisperCpp)

	buildForm := func(includeFile bool) (io.Reader, string) {
		var buf strings.Builder
		writer := multipart.NewWriter(&buf)
		require.NoError(t, writer.WriteField("model", "Whisper-Tiny"))
		if includeFile {
			part, err := writer.CreateFormFile("file", "clip.wav")
			require.NoError(t, err)
			_, err = part.Write([]byte("RIFF fake audio"))
			require.NoError(t, err)
		}
		require.NoError(t, writer.Close())
		return strings.NewReader(buf.String()), writer.FormDataContentType()
	}

	body, contentType := buildForm(true)
	w := env.do(http.MethodPost, "/api/v1/audio/transcriptions", contentType, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"/v1/audio/transcriptions"}, env.fakes[catalog.RecipeWhisperCpp].forwardedPaths())

	body, contentType = buildForm(false)
	w = env.do(http.MethodPost, "/api/v1/audio/transcriptions", contentType, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error.Message, "missing 'file' field")
}

func TestRouterRejectsUnknownRoutes(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(http.MethodGet, "/api/v1/chat/completions", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(http.MethodGet, "/api/v1/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
