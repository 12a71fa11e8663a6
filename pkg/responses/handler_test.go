package responses

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// mockSchedulerHTTP is a mock scheduler that returns predefined responses and
// records the forwarded request.
type mockSchedulerHTTP struct {
	response     string
	statusCode   int
	streaming    bool
	streamChunks []string

	gotPath string
	gotBody []byte
}

func (m *mockSchedulerHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.gotPath = r.URL.Path
	m.gotBody, _ = io.ReadAll(r.Body)

	if m.streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range m.streamChunks {
			w.Write([]byte(chunk))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(m.statusCode)
	w.Write([]byte(m.response))
}

func newTestHandler(mock *mockSchedulerHTTP) *HTTPHandler {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewHTTPHandler(logging.NewLogrusAdapter(log), mock, nil)
}

func TestHandler_CreateResponse_NonStreaming(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusOK,
		response: `{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1234567890,
			"model": "Qwen3-0.6B-GGUF",
			"choices": [
				{
					"index": 0,
					"message": {
						"role": "assistant",
						"content": "Hello! How can I help you?"
					},
					"finish_reason": "stop"
				}
			],
			"usage": {
				"prompt_tokens": 10,
				"completion_tokens": 7,
				"total_tokens": 17
			}
		}`,
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "Qwen3-0.6B-GGUF",
		"input": "Hello"
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if mock.gotPath != "/api/v1/chat/completions" {
		t.Errorf("forwarded path = %s, want /api/v1/chat/completions", mock.gotPath)
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result.Object != "response" {
		t.Errorf("object = %s, want response", result.Object)
	}
	if result.Model != "Qwen3-0.6B-GGUF" {
		t.Errorf("model = %s, want Qwen3-0.6B-GGUF", result.Model)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", result.Status, StatusCompleted)
	}
	if result.OutputText != "Hello! How can I help you?" {
		t.Errorf("output_text = %s, want Hello! How can I help you?", result.OutputText)
	}
	if !strings.HasPrefix(result.ID, "resp_") {
		t.Errorf("id should start with resp_, got %s", result.ID)
	}
	if result.Usage == nil || result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want input 10 output 7", result.Usage)
	}
}

func TestHandler_CreateResponse_TranslatesRequest(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusOK,
		response:   `{"choices": [{"message": {"role": "assistant", "content": "ack"}}]}`,
	}
	handler := newTestHandler(mock)

	maxTokens := 64
	body, _ := json.Marshal(CreateRequest{
		Model:           "Qwen3-0.6B-GGUF",
		Input:           json.RawMessage(`"What is a lemon?"`),
		Instructions:    "Answer briefly.",
		MaxOutputTokens: &maxTokens,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var forwarded ChatCompletionRequest
	if err := json.Unmarshal(mock.gotBody, &forwarded); err != nil {
		t.Fatalf("failed to decode forwarded body: %v", err)
	}

	if forwarded.Model != "Qwen3-0.6B-GGUF" {
		t.Errorf("forwarded model = %s, want Qwen3-0.6B-GGUF", forwarded.Model)
	}
	if forwarded.MaxTokens == nil || *forwarded.MaxTokens != 64 {
		t.Errorf("forwarded max_tokens = %v, want 64", forwarded.MaxTokens)
	}
	if len(forwarded.Messages) != 2 {
		t.Fatalf("forwarded %d messages, want 2", len(forwarded.Messages))
	}
	if forwarded.Messages[0].Role != "system" || forwarded.Messages[0].Content != "Answer briefly." {
		t.Errorf("first message = %+v, want system instructions", forwarded.Messages[0])
	}
	if forwarded.Messages[1].Role != "user" || forwarded.Messages[1].Content != "What is a lemon?" {
		t.Errorf("second message = %+v, want user input", forwarded.Messages[1])
	}
}

func TestHandler_CreateResponse_MissingModel(t *testing.T) {
	mock := &mockSchedulerHTTP{}
	handler := newTestHandler(mock)

	reqBody := `{"input": "Hello"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&errResp)

	if errResp.Error.Code != "bad_request" {
		t.Errorf("error.code = %s, want bad_request", errResp.Error.Code)
	}
}

func TestHandler_CreateResponse_MissingInput(t *testing.T) {
	mock := &mockSchedulerHTTP{}
	handler := newTestHandler(mock)

	reqBody := `{"model": "Qwen3-0.6B-GGUF"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandler_CreateResponse_PreviousResponseIDRejected(t *testing.T) {
	mock := &mockSchedulerHTTP{}
	handler := newTestHandler(mock)

	reqBody := `{
		"model": "Qwen3-0.6B-GGUF",
		"input": "How are you?",
		"previous_response_id": "resp_prev123"
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "previous_response_id") {
		t.Errorf("body = %s, want mention of previous_response_id", w.Body.String())
	}
	if mock.gotPath != "" {
		t.Errorf("request was forwarded to %s, want no forward", mock.gotPath)
	}
}

func TestHandler_CreateResponse_InvalidJSON(t *testing.T) {
	mock := &mockSchedulerHTTP{}
	handler := newTestHandler(mock)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(`{invalid`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandler_CreateResponse_UpstreamError(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusNotFound,
		response: `{
			"error": {
				"message": "model unknown-model was not found",
				"code": "model_not_found"
			}
		}`,
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "unknown-model",
		"input": "Hello"
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	var result Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != StatusFailed {
		t.Errorf("status = %s, want %s", result.Status, StatusFailed)
	}
	if result.Error == nil {
		t.Fatal("expected error to be set")
	}
	if result.Error.Code != "model_not_found" {
		t.Errorf("error.code = %s, want model_not_found", result.Error.Code)
	}
}

func TestHandler_CreateResponse_UpstreamError_NonJSONBody(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusInternalServerError,
		// non-JSON / malformed body to exercise the fallback branch in handleNonStreaming
		response: "upstream exploded in a non-json way",
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "Qwen3-0.6B-GGUF",
		"input": "Hello"
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var result Response
	json.NewDecoder(resp.Body).Decode(&result)

	// Assert: non-streaming error handling falls back correctly
	if result.Status != StatusFailed {
		t.Errorf("status = %s, want %s", result.Status, StatusFailed)
	}

	if result.Error == nil {
		t.Fatalf("expected error, got nil")
	}

	if result.Error.Code != "upstream_error" {
		t.Errorf("error.code = %v, want upstream_error", result.Error.Code)
	}

	if !strings.Contains(result.Error.Message, "upstream exploded in a non-json way") {
		t.Errorf("error.message = %q, want to contain raw upstream body", result.Error.Message)
	}
}

func TestHandler_CreateResponse_Streaming(t *testing.T) {
	// Mock streaming response
	mock := &mockSchedulerHTTP{
		streaming: true,
		streamChunks: []string{
			"data: {\"id\":\"chatcmpl-123\",\"object\":\"chat.completion.chunk\",\"created\":1234567890,\"model\":\"Qwen3-0.6B-GGUF\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"},\"finish_reason\":null}]}\n\n",
			"data: {\"id\":\"chatcmpl-123\",\"object\":\"chat.completion.chunk\",\"created\":1234567890,\"model\":\"Qwen3-0.6B-GGUF\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"},\"finish_reason\":null}]}\n\n",
			"data: {\"id\":\"chatcmpl-123\",\"object\":\"chat.completion.chunk\",\"created\":1234567890,\"model\":\"Qwen3-0.6B-GGUF\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"!\"},\"finish_reason\":null}]}\n\n",
			"data: {\"id\":\"chatcmpl-123\",\"object\":\"chat.completion.chunk\",\"created\":1234567890,\"model\":\"Qwen3-0.6B-GGUF\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2,\"total_tokens\":11}}\n\n",
			"data: [DONE]\n\n",
		},
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "Qwen3-0.6B-GGUF",
		"input": "Hello",
		"stream": true
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Check content type is SSE
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		t.Errorf("Content-Type = %s, want text/event-stream", contentType)
	}

	// Read all body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	bodyStr := string(body)

	// Verify we got the expected events in order
	created := strings.Index(bodyStr, "response.created")
	delta := strings.Index(bodyStr, "response.output_text.delta")
	done := strings.Index(bodyStr, "response.output_text.done")
	completed := strings.Index(bodyStr, "response.completed")
	if created < 0 || delta < 0 || done < 0 || completed < 0 {
		t.Fatalf("missing events in stream: %s", bodyStr)
	}
	if !(created < delta && delta < done && done < completed) {
		t.Errorf("events out of order: created=%d delta=%d done=%d completed=%d", created, delta, done, completed)
	}

	// The chat-format terminator must not leak into the translated stream.
	if strings.Contains(bodyStr, "[DONE]") {
		t.Error("translated stream should not contain [DONE]")
	}

	// Usage from the final chunk must be carried into response.completed.
	if !strings.Contains(bodyStr, `"input_tokens":9`) {
		t.Errorf("expected usage input_tokens 9 in stream: %s", bodyStr)
	}
}

func TestHandler_CreateResponse_Streaming_UpstreamError(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusNotFound,
		response:   `{"error": {"message": "model nope was not found", "code": "model_not_found"}}`,
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "nope",
		"input": "Hello",
		"stream": true
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	// The upstream failed before streaming started, so the error envelope is
	// relayed untouched.
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if strings.Contains(w.Body.String(), "event:") {
		t.Errorf("body should not contain SSE events: %s", w.Body.String())
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode relayed error: %v", err)
	}
	if errResp.Error.Code != "model_not_found" {
		t.Errorf("error.code = %s, want model_not_found", errResp.Error.Code)
	}
}

func TestHandler_CreateResponse_WithTools(t *testing.T) {
	// Mock response with tool call
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusOK,
		response: `{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1234567890,
			"model": "Qwen3-0.6B-GGUF",
			"choices": [
				{
					"index": 0,
					"message": {
						"role": "assistant",
						"tool_calls": [
							{
								"id": "call_abc123",
								"type": "function",
								"function": {
									"name": "get_weather",
									"arguments": "{\"location\": \"San Francisco\"}"
								}
							}
						]
					},
					"finish_reason": "tool_calls"
				}
			]
		}`,
	}

	handler := newTestHandler(mock)

	reqBody := `{
		"model": "Qwen3-0.6B-GGUF",
		"input": "What's the weather in San Francisco?",
		"tools": [
			{
				"type": "function",
				"function": {
					"name": "get_weather",
					"description": "Get weather information",
					"parameters": {
						"type": "object",
						"properties": {
							"location": {"type": "string"}
						}
					}
				}
			}
		]
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.handleCreate(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d, body: %s", resp.StatusCode, http.StatusOK, body)
	}

	var result Response
	json.NewDecoder(resp.Body).Decode(&result)

	if len(result.Output) == 0 {
		t.Fatal("expected output items")
	}

	// Find the function call item
	var funcCall *OutputItem
	for i := range result.Output {
		if result.Output[i].Type == ItemTypeFunctionCall {
			funcCall = &result.Output[i]
			break
		}
	}

	if funcCall == nil {
		t.Fatal("expected function call in output")
	}

	if funcCall.Name != "get_weather" {
		t.Errorf("function name = %s, want get_weather", funcCall.Name)
	}
	if funcCall.CallID != "call_abc123" {
		t.Errorf("call_id = %s, want call_abc123", funcCall.CallID)
	}
}

func TestHandler_Routing(t *testing.T) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusOK,
		response:   `{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`,
	}
	handler := newTestHandler(mock)

	// POST on the collection is the only route; response retrieval is not
	// available because responses are not stored.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", strings.NewReader(`{"model": "m", "input": "hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("POST status = %d, want %d", w.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/responses/resp_abc", http.NoBody)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET by ID status = %d, want %d", w.Code, http.StatusNotFound)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/responses", http.NoBody)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET collection status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// Benchmark for response creation
func BenchmarkHandler_CreateResponse(b *testing.B) {
	mock := &mockSchedulerHTTP{
		statusCode: http.StatusOK,
		response: `{
			"id": "chatcmpl-123",
			"choices": [
				{
					"message": {
						"role": "assistant",
						"content": "Hello!"
					}
				}
			]
		}`,
	}

	handler := newTestHandler(mock)
	reqBody := []byte(`{"model": "Qwen3-0.6B-GGUF", "input": "Hello"}`)

	for b.Loop() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/responses", bytes.NewReader(reqBody))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.handleCreate(w, req)
	}
}
