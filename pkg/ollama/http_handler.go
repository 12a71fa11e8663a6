package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-server/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// maximumRequestBodySize caps inbound request bodies.
const maximumRequestBodySize = 512 * 1024 * 1024

// HTTPHandler serves the Ollama-compatible surface. Inference requests
// are rewritten into OpenAI requests and replayed against the
// scheduling handler; model management rides on the model manager.
type HTTPHandler struct {
	log           logging.Logger
	router        *http.ServeMux
	httpHandler   http.Handler
	scheduler     *scheduling.Scheduler
	schedulerHTTP http.Handler
	modelManager  *models.Manager
}

func NewHTTPHandler(
	log logging.Logger,
	scheduler *scheduling.Scheduler,
	schedulerHTTP http.Handler,
	allowedOrigins []string,
	modelManager *models.Manager,
) *HTTPHandler {
	h := &HTTPHandler{
		log:           log,
		router:        http.NewServeMux(),
		scheduler:     scheduler,
		schedulerHTTP: schedulerHTTP,
		modelManager:  modelManager,
	}
	h.router.HandleFunc("/", h.handleRoot)
	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}
	h.httpHandler = middleware.CorsMiddleware(allowedOrigins, h.router)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

func (h *HTTPHandler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /api/tags":        h.handleListModels,
		"GET /api/ps":          h.handlePS,
		"GET /api/version":     h.handleVersion,
		"POST /api/show":       h.handleShowModel,
		"POST /api/chat":       h.handleChat,
		"POST /api/generate":   h.handleGenerate,
		"POST /api/embed":      h.handleEmbed,
		"POST /api/embeddings": h.handleEmbeddings,
		"POST /api/pull":       h.handlePull,
		"DELETE /api/delete":   h.handleDelete,
		"POST /api/create":     h.handleNotSupported,
		"POST /api/copy":       h.handleNotSupported,
		"POST /api/push":       h.handleNotSupported,
		"POST /api/blobs/":     h.handleNotSupported,
		"HEAD /api/blobs/":     h.handleNotSupported,
	}
}

// handleRoot answers the discovery probe Ollama clients send before
// anything else.
func (h *HTTPHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("Ollama is running"))
}

func (h *HTTPHandler) handleVersion(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, VersionResponse{Version: reportedVersion})
}

// handleListModels serves /api/tags with the models whose weights are
// present locally.
func (h *HTTPHandler) handleListModels(w http.ResponseWriter, _ *http.Request) {
	downloaded := h.modelManager.List(false)
	response := ListResponse{Models: make([]ModelSummary, 0, len(downloaded))}
	for _, m := range downloaded {
		response.Models = append(response.Models, modelSummary(m))
	}
	h.writeJSON(w, response)
}

// handlePS reports loaded runners in the process listing shape.
func (h *HTTPHandler) handlePS(w http.ResponseWriter, r *http.Request) {
	statuses := h.scheduler.RunnerStatuses(r.Context())
	response := ProcessResponse{Models: make([]ProcessModel, 0, len(statuses))}
	for _, rs := range statuses {
		tag := rs.ModelName + ":latest"
		response.Models = append(response.Models, ProcessModel{
			Name:      tag,
			Model:     tag,
			Digest:    modelDigest(rs.ModelName),
			Details:   detailsFor(rs.Backend, nil),
			ExpiresAt: runnerExpiresAt,
		})
	}
	h.writeJSON(w, response)
}

func (h *HTTPHandler) handleShowModel(w http.ResponseWriter, r *http.Request) {
	var request ShowRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	name := normalizeModelName(modelRef(request.Name, request.Model))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	model, err := h.modelManager.Get(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+name+"' not found")
		return
	}
	h.writeJSON(w, ShowResponse{
		Modelfile: "# Modelfile generated by Lemonade\nFROM " + model.Checkpoint,
		Details:   detailsFor(model.Recipe, model.Labels),
		ModelInfo: h.modelInfo(name, model.Recipe),
	})
}

// modelInfo builds the show response's model_info map. When the model's
// GGUF weights are present locally their parsed header fills in the real
// values; otherwise placeholder zeroes stand in.
func (h *HTTPHandler) modelInfo(name, recipe string) map[string]interface{} {
	info := map[string]interface{}{
		"general.architecture":         recipe,
		"general.file_type":            0,
		"general.parameter_count":      0,
		"general.quantization_version": 0,
	}
	artifacts, err := h.modelManager.Artifacts(name)
	if err != nil || !strings.HasSuffix(artifacts.Primary, ".gguf") {
		return info
	}
	parsed, err := weights.ReadGGUFInfo(artifacts.Primary)
	if err != nil {
		h.log.Warnf("Failed to parse GGUF header for %s: %v", utils.SanitizeForLog(name), err)
		return info
	}
	if parsed.Architecture != "" {
		info["general.architecture"] = parsed.Architecture
	}
	info["general.file_type"] = parsed.Quantization
	info["general.parameter_count"] = parsed.Parameters
	info["general.size_label"] = parsed.Size
	return info
}

func (h *HTTPHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var request ChatRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	model := normalizeModelName(request.Model)
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if _, err := h.scheduler.ResolveEntry(model); err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+model+"' not found, try pulling it first")
		return
	}
	stream := request.Stream == nil || *request.Stream
	h.log.Infof("Ollama chat request for %s (stream=%t)", utils.SanitizeForLog(model), stream)

	payload, err := json.Marshal(chatToOpenAI(&request, stream))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path := inference.APIPrefix + "/chat/completions"
	if stream {
		sw := newStreamingResponseWriter(w, h.log, model, false)
		h.forward(sw, r, path, payload)
		sw.finish()
		return
	}
	recorder := newResponseRecorder()
	h.forward(recorder, r, path, payload)
	if recorder.statusCode != http.StatusOK {
		writeJSONError(w, recorder.statusCode, upstreamErrorMessage(recorder.body.Bytes()))
		return
	}
	var oai openAIResponse
	if err := json.Unmarshal(recorder.body.Bytes(), &oai); err != nil {
		writeJSONError(w, http.StatusBadGateway, "invalid upstream response")
		return
	}
	h.writeJSON(w, chatResponseFromOpenAI(model, oai))
}

func (h *HTTPHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var request GenerateRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	model := normalizeModelName(request.Model)
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if _, err := h.scheduler.ResolveEntry(model); err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+model+"' not found, try pulling it first")
		return
	}
	stream := request.Stream == nil || *request.Stream
	h.log.Infof("Ollama generate request for %s (stream=%t)", utils.SanitizeForLog(model), stream)

	payload, err := json.Marshal(generateToOpenAI(&request, stream))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path := inference.APIPrefix + "/completions"
	if stream {
		sw := newStreamingResponseWriter(w, h.log, model, true)
		h.forward(sw, r, path, payload)
		sw.finish()
		return
	}
	recorder := newResponseRecorder()
	h.forward(recorder, r, path, payload)
	if recorder.statusCode != http.StatusOK {
		writeJSONError(w, recorder.statusCode, upstreamErrorMessage(recorder.body.Bytes()))
		return
	}
	var oai openAIResponse
	if err := json.Unmarshal(recorder.body.Bytes(), &oai); err != nil {
		writeJSONError(w, http.StatusBadGateway, "invalid upstream response")
		return
	}
	h.writeJSON(w, generateResponseFromOpenAI(model, oai))
}

func (h *HTTPHandler) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var request EmbedRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	model := normalizeModelName(request.Model)
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if _, err := h.scheduler.ResolveEntry(model); err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+model+"' not found")
		return
	}
	if len(request.Input) == 0 {
		writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}
	rows, ok := h.fetchEmbeddings(w, r, model, request.Input)
	if !ok {
		return
	}
	embeddings := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		embeddings = append(embeddings, row.Embedding)
	}
	h.writeJSON(w, EmbedResponse{Model: model, Embeddings: embeddings})
}

// handleEmbeddings serves the legacy single-embedding endpoint, where
// the input arrives in a prompt field.
func (h *HTTPHandler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var request EmbeddingsRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	model := normalizeModelName(request.Model)
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if _, err := h.scheduler.ResolveEntry(model); err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+model+"' not found")
		return
	}
	input := request.Prompt
	if len(input) == 0 {
		input = request.Input
	}
	if len(input) == 0 {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	rows, ok := h.fetchEmbeddings(w, r, model, input)
	if !ok {
		return
	}
	embedding := json.RawMessage("[]")
	if len(rows) > 0 && len(rows[0].Embedding) > 0 {
		embedding = rows[0].Embedding
	}
	h.writeJSON(w, EmbeddingsResponse{Model: model, Embedding: embedding})
}

// fetchEmbeddings relays input to the embeddings endpoint and returns
// the upstream data rows.
func (h *HTTPHandler) fetchEmbeddings(w http.ResponseWriter, r *http.Request, model string, input json.RawMessage) ([]openAIEmbeddingRow, bool) {
	payload, err := json.Marshal(map[string]interface{}{"model": model, "input": input})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	recorder := newResponseRecorder()
	h.forward(recorder, r, inference.APIPrefix+"/embeddings", payload)
	if recorder.statusCode != http.StatusOK {
		writeJSONError(w, recorder.statusCode, upstreamErrorMessage(recorder.body.Bytes()))
		return nil, false
	}
	var oai openAIEmbeddingsResponse
	if err := json.Unmarshal(recorder.body.Bytes(), &oai); err != nil {
		writeJSONError(w, http.StatusBadGateway, "invalid upstream response")
		return nil, false
	}
	return oai.Data, true
}

func (h *HTTPHandler) handlePull(w http.ResponseWriter, r *http.Request) {
	var request PullRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	name := normalizeModelName(modelRef(request.Name, request.Model))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	// Registration happens on the native surface; this one only pulls
	// cataloged models.
	if _, err := h.modelManager.Get(name); err != nil {
		writeJSONError(w, http.StatusNotFound, "model '"+name+"' not found")
		return
	}
	sanitizedName := utils.SanitizeForLog(name)
	h.log.Infof("Ollama pull request for %s", sanitizedName)

	pullRequest := models.PullRequest{ModelName: name}
	if request.Stream != nil && !*request.Stream {
		if _, err := h.modelManager.Pull(r.Context(), pullRequest, nil); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		h.writeJSON(w, pullStatus{Status: "success"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	writeRecord(w, pullStatus{Status: "pulling manifest"})
	if _, err := h.modelManager.Pull(r.Context(), pullRequest, newPullProgressWriter(w)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.log.Infof("Request canceled while pulling model %q", sanitizedName)
			return
		}
		h.log.Warnf("Error pulling model %q: %v", sanitizedName, err)
		writeRecord(w, errorResponse{Error: err.Error()})
		return
	}
	writeRecord(w, pullStatus{Status: "success"})
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var request DeleteRequest
	if !h.decodeRequest(w, r, &request) {
		return
	}
	name := normalizeModelName(modelRef(request.Name, request.Model))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.modelManager.Delete(r.Context(), name); err != nil {
		writeJSONError(w, statusForError(err), err.Error())
		return
	}
	// 200 with no body, matching the protocol.
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) handleNotSupported(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusNotImplemented, "not supported by Lemonade")
}

// forward replays the request against the scheduling handler with an
// OpenAI payload, tagging it so telemetry attributes the traffic to
// this surface.
func (h *HTTPHandler) forward(w http.ResponseWriter, r *http.Request, path string, payload []byte) {
	upstream := r.Clone(r.Context())
	upstream.URL = &url.URL{Path: path}
	upstream.RequestURI = ""
	upstream.Body = io.NopCloser(bytes.NewReader(payload))
	upstream.ContentLength = int64(len(payload))
	upstream.Header.Set("Content-Type", "application/json")
	upstream.Header.Set(inference.RequestOriginHeader, inference.OriginOllamaCompletion)
	h.schedulerHTTP.ServeHTTP(w, upstream)
}

// decodeRequest reads a bounded request body into target, answering
// the protocol's error shape on failure.
func (h *HTTPHandler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "request too large")
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Warnln("Error while encoding response:", err)
	}
}

// modelRef picks the model reference from the two field spellings
// clients use.
func modelRef(name, model string) string {
	if name != "" {
		return name
	}
	return model
}

// writeJSONError writes the protocol's error shape. Unlike the OpenAI
// surface, errors here are bare strings.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// statusForError maps service errors onto HTTP statuses.
func statusForError(err error) int {
	var infErr *inference.Error
	if errors.As(err, &infErr) {
		return infErr.StatusCode()
	}
	return http.StatusInternalServerError
}
