package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/lemonade-sdk/lemonade-server/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

// multipartParseMemory is the in-memory budget handed to ParseMultipartForm
// when extracting the model field from an upload.
const multipartParseMemory = 32 * 1024 * 1024

// HTTPHandler handles HTTP requests for the scheduler. It wraps the
// Scheduler to provide HTTP endpoint functionality without coupling the core
// scheduling logic to HTTP concerns.
type HTTPHandler struct {
	scheduler   *Scheduler
	router      *http.ServeMux
	httpHandler http.Handler
	// modelHandler serves the model management routes.
	modelHandler http.Handler
	// websocketPort is reported by the health endpoint.
	websocketPort int
	lock          sync.RWMutex
}

// NewHTTPHandler creates a new HTTP handler that wraps the scheduler. This is
// the primary HTTP interface for the scheduling package.
func NewHTTPHandler(s *Scheduler, modelHandler http.Handler, websocketPort int, allowedOrigins []string) *HTTPHandler {
	h := &HTTPHandler{
		scheduler:     s,
		modelHandler:  modelHandler,
		websocketPort: websocketPort,
		router:        http.NewServeMux(),
	}

	h.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}

	h.RebuildRoutes(allowedOrigins)

	return h
}

// routeHandlers returns a map of HTTP routes to their handler functions.
// Version aliasing (/api/v0, bare /v1) happens in middleware before the
// router sees the path.
func (h *HTTPHandler) routeHandlers() map[string]http.HandlerFunc {
	openAIRoutes := []string{
		"POST /api/v1/chat/completions",
		"POST /api/v1/completions",
		"POST /api/v1/embeddings",
		"POST /api/v1/rerank",
		"POST /api/v1/reranking",
	}
	m := make(map[string]http.HandlerFunc)
	for _, route := range openAIRoutes {
		m[route] = h.handleOpenAIInference
	}

	m["POST /api/v1/images/generations"] = h.handleMediaInference
	m["POST /api/v1/images/edits"] = h.handleMediaInference
	m["POST /api/v1/images/variations"] = h.handleMediaInference
	m["POST /api/v1/audio/speech"] = h.handleMediaInference
	m["POST /api/v1/audio/transcriptions"] = h.handleMediaInference

	m["GET /api/v1/health"] = h.Health
	m["GET /api/v1/stats"] = h.GetStats
	m["GET /api/v1/ps"] = h.GetRunningBackends
	m["POST /api/v1/load"] = h.Load
	m["POST /api/v1/unload"] = h.Unload
	m["POST /api/v1/params"] = h.Configure

	// Model management routes delegate to the model handler.
	m["GET /api/v1/models"] = h.handleModels
	m["GET /api/v1/models/{name...}"] = h.handleModels
	m["POST /api/v1/pull"] = h.handleModels
	m["POST /api/v1/delete"] = h.handleModels

	return m
}

// readBody buffers the request body under the global size cap and reports
// failures to the client. It returns nil after writing an error response.
func readBody(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodySize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "request too large"))
		} else {
			http.Error(w, "failed to read request body", http.StatusInternalServerError)
		}
		return nil
	}
	if body == nil {
		body = []byte{}
	}
	return body
}

// writeSchedulingError maps scheduling failures onto HTTP responses.
func writeSchedulingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBackendNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errInstallerNotStarted), errors.Is(err, context.Canceled):
		// The client aborted or the service is shutting down. Either way,
		// provide a response, even if it's ignored.
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		inference.WriteError(w, err)
	}
}

// upstreamPath maps a public API path onto the path the backend server
// expects. Backends follow the OpenAI layout under /v1.
func upstreamPath(path string) string {
	if strings.HasSuffix(path, "/reranking") {
		return "/v1/rerank"
	}
	return strings.TrimPrefix(path, "/api")
}

// completionCapable reports whether an entry can serve chat or text
// completion requests.
func completionCapable(entry catalog.Entry) bool {
	switch entry.Recipe {
	case catalog.RecipeSDCpp, catalog.RecipeWhisperCpp, catalog.RecipeKokoro:
		return false
	}
	return !entry.Embeddings() && !entry.Reranking()
}

// modeForEntry maps an entry's capability labels onto the backend mode its
// process must be launched in.
func modeForEntry(entry catalog.Entry) inference.BackendMode {
	if entry.Embeddings() {
		return inference.BackendModeEmbedding
	}
	if entry.Reranking() {
		return inference.BackendModeReranking
	}
	return inference.BackendModeCompletion
}

// forward relays a buffered request to the runner with the upstream path
// substituted.
func forward(w http.ResponseWriter, r *http.Request, runner *runner, body []byte) {
	upstream := r.Clone(r.Context())
	upstream.URL.Path = upstreamPath(r.URL.Path)
	upstream.URL.RawPath = ""
	upstream.Body = io.NopCloser(bytes.NewReader(body))
	upstream.ContentLength = int64(len(body))
	runner.ServeHTTP(w, upstream)
}

// handleOpenAIInference handles scheduling and responding to OpenAI
// inference requests:
// - POST /api/v1/chat/completions
// - POST /api/v1/completions
// - POST /api/v1/embeddings
// - POST /api/v1/rerank (and its legacy spelling /api/v1/reranking)
func (h *HTTPHandler) handleOpenAIInference(w http.ResponseWriter, r *http.Request) {
	// Read the entire request body. We put some basic size constraints in
	// place to avoid DoS attacks. We do this early to avoid client write
	// timeouts.
	body := readBody(w, r)
	if body == nil {
		return
	}

	backendMode, ok := backendModeForRequest(r.URL.Path)
	if !ok {
		http.Error(w, "unknown request path", http.StatusInternalServerError)
		return
	}

	// Decode the model specification portion of the request body.
	var request OpenAIInferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
		return
	}
	if request.Model == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model is required"))
		return
	}

	entry, err := h.scheduler.ResolveEntry(request.Model)
	if err != nil {
		inference.WriteError(w, err)
		return
	}

	// Entries only serve the endpoints their capability labels announce.
	switch backendMode {
	case inference.BackendModeCompletion:
		if !completionCapable(entry) {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest,
				"model %s does not support completions", entry.Name))
			return
		}
	case inference.BackendModeEmbedding:
		if !entry.Embeddings() {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest,
				"model %s does not support embeddings", entry.Name))
			return
		}
	case inference.BackendModeReranking:
		if !entry.Reranking() {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest,
				"model %s does not support reranking", entry.Name))
			return
		}
	}

	runner, err := h.scheduler.Acquire(r.Context(), entry, backendMode)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	defer h.scheduler.Release(runner)

	// Observe the relayed response so generation figures land in the stats
	// endpoint, and make sure streams reach clients fully terminated.
	recorder := telemetry.NewStreamRecorder(w, h.scheduler.telemetry, runner.backend.Name())
	forward(recorder, r, runner, body)
	recorder.EnsureDone()
	recorder.Finish()
}

// handleMediaInference handles the image generation and audio endpoints:
// - POST /api/v1/images/generations | edits | variations
// - POST /api/v1/audio/speech
// - POST /api/v1/audio/transcriptions
// Model extraction depends on the content type, since audio and image edit
// requests arrive as multipart uploads.
func (h *HTTPHandler) handleMediaInference(w http.ResponseWriter, r *http.Request) {
	body := readBody(w, r)
	if body == nil {
		return
	}

	var model string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		form := r.Clone(r.Context())
		form.Body = io.NopCloser(bytes.NewReader(body))
		if err := form.ParseMultipartForm(multipartParseMemory); err != nil {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid multipart form: %v", err))
			return
		}
		model = form.FormValue("model")
		if strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			if _, _, err := form.FormFile("file"); err != nil {
				inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "missing 'file' field in request"))
				return
			}
		}
	} else {
		var request OpenAIInferenceRequest
		if err := json.Unmarshal(body, &request); err != nil {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
			return
		}
		model = request.Model
	}
	if model == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model is required"))
		return
	}

	entry, err := h.scheduler.ResolveEntry(model)
	if err != nil {
		inference.WriteError(w, err)
		return
	}

	var requiredRecipe, capability string
	switch {
	case strings.Contains(r.URL.Path, "/images/"):
		requiredRecipe, capability = catalog.RecipeSDCpp, "image generation"
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		requiredRecipe, capability = catalog.RecipeWhisperCpp, "audio transcription"
	default:
		requiredRecipe, capability = catalog.RecipeKokoro, "speech synthesis"
	}
	if entry.Recipe != requiredRecipe {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest,
			"model %s does not support %s", entry.Name, capability))
		return
	}

	runner, err := h.scheduler.Acquire(r.Context(), entry, inference.BackendModeCompletion)
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	defer h.scheduler.Release(runner)

	forward(w, r, runner, body)
}

// handleModels delegates model management requests to the model handler.
func (h *HTTPHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	h.modelHandler.ServeHTTP(w, r)
}

// Health reports pool state.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.scheduler.Health(r.Context(), h.websocketPort))
}

// GetStats reports the performance figures of the most recently active
// engine.
func (h *HTTPHandler) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.scheduler.telemetry.Current())
}

// GetRunningBackends returns information about all running backends.
func (h *HTTPHandler) GetRunningBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.scheduler.RunnerStatuses(r.Context()))
}

// Load handles POST /api/v1/load requests, warming a model so the first
// inference request does not pay the launch cost.
func (h *HTTPHandler) Load(w http.ResponseWriter, r *http.Request) {
	body := readBody(w, r)
	if body == nil {
		return
	}

	var request LoadRequest
	if err := json.Unmarshal(body, &request); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
		return
	}
	if request.Name() == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model_name is required"))
		return
	}

	entry, err := h.scheduler.ResolveEntry(request.Name())
	if err != nil {
		inference.WriteError(w, err)
		return
	}

	_, alreadyLoaded := h.scheduler.LoadedModel(r.Context(), entry.Name)

	if request.ContextSize > 0 && !alreadyLoaded {
		conf := ConfigureRequest{ModelName: entry.Name, ContextSize: request.ContextSize}
		if err := h.scheduler.ConfigureRunner(r.Context(), conf); err != nil && !errors.Is(err, errRunnerAlreadyActive) {
			writeSchedulingError(w, err)
			return
		}
	}

	runner, err := h.scheduler.Acquire(r.Context(), entry, modeForEntry(entry))
	if err != nil {
		writeSchedulingError(w, err)
		return
	}
	h.scheduler.Release(runner)

	response := LoadResponse{
		Status:     "success",
		ModelName:  entry.Name,
		Checkpoint: entry.Checkpoint,
		Recipe:     entry.Recipe,
	}
	if alreadyLoaded {
		response.Message = "Model already loaded"
	}
	writeJSON(w, response)
}

// Unload handles POST /api/v1/unload requests. An empty body unloads every
// idle model.
func (h *HTTPHandler) Unload(w http.ResponseWriter, r *http.Request) {
	body := readBody(w, r)
	if body == nil {
		return
	}

	var request UnloadRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
			return
		}
	}

	unloaded := h.scheduler.Unload(r.Context(), request)
	writeJSON(w, UnloadResponse{
		Status:   "success",
		Message:  "Model unloaded successfully",
		Unloaded: unloaded,
	})
}

// Configure handles POST /api/v1/params requests, storing settings applied
// at the model's next load.
func (h *HTTPHandler) Configure(w http.ResponseWriter, r *http.Request) {
	body := readBody(w, r)
	if body == nil {
		return
	}

	var request ConfigureRequest
	if err := json.Unmarshal(body, &request); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid request body"))
		return
	}
	if request.Name() == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model_name is required"))
		return
	}

	if err := h.scheduler.ConfigureRunner(r.Context(), request); err != nil {
		if errors.Is(err, errRunnerAlreadyActive) {
			http.Error(w, err.Error(), http.StatusConflict)
		} else {
			writeSchedulingError(w, err)
		}
		return
	}

	writeJSON(w, map[string]string{"status": "success"})
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	h.httpHandler.ServeHTTP(w, r)
}

// RebuildRoutes updates the HTTP routes with new allowed origins.
func (h *HTTPHandler) RebuildRoutes(allowedOrigins []string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.httpHandler = middleware.CorsMiddleware(allowedOrigins, h.router)
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// responseBuffer captures an internally dispatched response.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

// Header implements http.ResponseWriter.Header.
func (b *responseBuffer) Header() http.Header {
	return b.header
}

// WriteHeader implements http.ResponseWriter.WriteHeader.
func (b *responseBuffer) WriteHeader(statusCode int) {
	if b.status == 0 {
		b.status = statusCode
	}
}

// Write implements http.ResponseWriter.Write.
func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// replay copies the captured response onto w.
func (b *responseBuffer) replay(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}
