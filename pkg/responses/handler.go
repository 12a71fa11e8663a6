package responses

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/middleware"
)

// maximumRequestBodySize matches the limit applied on the rest of the API
// surface.
const maximumRequestBodySize = 512 * 1024 * 1024

// HTTPHandler handles Responses API HTTP requests.
type HTTPHandler struct {
	log           logging.Logger
	router        *http.ServeMux
	httpHandler   http.Handler
	schedulerHTTP http.Handler
}

// NewHTTPHandler creates a new Responses API handler. Requests are translated
// to chat completions and forwarded to schedulerHTTP, which is expected to
// serve POST /api/v1/chat/completions.
func NewHTTPHandler(log logging.Logger, schedulerHTTP http.Handler, allowedOrigins []string) *HTTPHandler {
	h := &HTTPHandler{
		log:           log,
		router:        http.NewServeMux(),
		schedulerHTTP: schedulerHTTP,
	}

	h.router.HandleFunc("POST "+APIPrefix, h.handleCreate)
	h.httpHandler = middleware.CorsMiddleware(allowedOrigins, h.router)

	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cleanPath := strings.ReplaceAll(r.URL.Path, "\n", "")
	cleanPath = strings.ReplaceAll(cleanPath, "\r", "")
	h.log.Infof("Responses API request: %s %s", r.Method, cleanPath)
	h.httpHandler.ServeHTTP(w, r)
}

// handleCreate handles POST /api/v1/responses.
func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "request too large"))
			return
		}
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "failed to read request body"))
		return
	}

	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "invalid JSON: %v", err))
		return
	}

	if req.Model == "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "model is required"))
		return
	}
	if len(req.Input) == 0 {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "input is required"))
		return
	}
	// Conversation history is not retained, so chained requests cannot be
	// reconstructed server-side.
	if req.PreviousResponseID != "" {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "previous_response_id is not supported"))
		return
	}

	// Seed the response that the translation layers will fill in.
	resp := NewResponse(GenerateResponseID(), req.Model)
	resp.Instructions = nilIfEmpty(req.Instructions)
	resp.Temperature = req.Temperature
	resp.TopP = req.TopP
	resp.MaxOutputTokens = req.MaxOutputTokens
	resp.Tools = req.Tools
	resp.ToolChoice = req.ToolChoice
	resp.ParallelToolCalls = req.ParallelToolCalls
	resp.Metadata = req.Metadata
	if req.ReasoningEffort != "" {
		resp.ReasoningEffort = &req.ReasoningEffort
	}
	if req.User != "" {
		resp.User = &req.User
	}

	chatReq, err := TransformRequestToChatCompletion(&req)
	if err != nil {
		inference.WriteError(w, inference.NewError(inference.ErrBadRequest, "%v", err))
		return
	}

	chatBody, err := MarshalChatCompletionRequest(chatReq)
	if err != nil {
		inference.WriteError(w, errors.New("failed to marshal chat completion request"))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "/api/v1/chat/completions", bytes.NewReader(chatBody))
	if err != nil {
		inference.WriteError(w, errors.New("failed to build upstream request"))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	if auth := r.Header.Get("Authorization"); auth != "" {
		upstreamReq.Header.Set("Authorization", auth)
	}

	if req.Stream {
		h.handleStreaming(w, upstreamReq, resp)
	} else {
		h.handleNonStreaming(w, upstreamReq, resp)
	}
}

// handleStreaming forwards the request and translates the resulting chat
// completion SSE stream into Responses API events.
func (h *HTTPHandler) handleStreaming(w http.ResponseWriter, upstreamReq *http.Request, resp *Response) {
	streamWriter := NewStreamingResponseWriter(w, resp)
	h.schedulerHTTP.ServeHTTP(streamWriter, upstreamReq)
}

// handleNonStreaming forwards the request, then translates the buffered chat
// completion into a Responses API response.
func (h *HTTPHandler) handleNonStreaming(w http.ResponseWriter, upstreamReq *http.Request, resp *Response) {
	capture := NewNonStreamingResponseCapture()
	h.schedulerHTTP.ServeHTTP(capture, upstreamReq)

	if capture.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(capture.Body.String()), &errResp); err == nil && errResp.Error.Message != "" {
			resp.Status = StatusFailed
			resp.Error = &ErrorDetail{
				Code:    errResp.Error.Code,
				Message: errResp.Error.Message,
			}
			h.sendJSON(w, capture.StatusCode, resp)
			return
		}
		resp.Status = StatusFailed
		resp.Error = &ErrorDetail{
			Code:    "upstream_error",
			Message: capture.Body.String(),
		}
		h.sendJSON(w, capture.StatusCode, resp)
		return
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal([]byte(capture.Body.String()), &chatResp); err != nil {
		resp.Status = StatusFailed
		resp.Error = &ErrorDetail{
			Code:    "parse_error",
			Message: "Failed to parse upstream response",
		}
		h.sendJSON(w, http.StatusInternalServerError, resp)
		return
	}

	finalResp := TransformChatCompletionToResponse(&chatResp, resp.ID, resp.Model)
	// Preserve the request parameters the transform does not carry.
	finalResp.Instructions = resp.Instructions
	finalResp.Temperature = resp.Temperature
	finalResp.TopP = resp.TopP
	finalResp.MaxOutputTokens = resp.MaxOutputTokens
	finalResp.Tools = resp.Tools
	finalResp.ToolChoice = resp.ToolChoice
	finalResp.ParallelToolCalls = resp.ParallelToolCalls
	finalResp.Metadata = resp.Metadata
	finalResp.ReasoningEffort = resp.ReasoningEffort
	finalResp.User = resp.User
	finalResp.CreatedAt = resp.CreatedAt

	h.sendJSON(w, http.StatusOK, finalResp)
}

// sendJSON sends a JSON response.
func (h *HTTPHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// nilIfEmpty returns a pointer to the string if non-empty, otherwise nil.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
