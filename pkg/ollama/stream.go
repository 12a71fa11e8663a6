package ollama

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/weights"
)

// responseRecorder captures an upstream response so it can be reshaped
// before anything reaches the client.
type responseRecorder struct {
	statusCode int
	headers    http.Header
	body       bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{statusCode: http.StatusOK, headers: make(http.Header)}
}

func (rr *responseRecorder) Header() http.Header { return rr.headers }

func (rr *responseRecorder) Write(p []byte) (int, error) { return rr.body.Write(p) }

func (rr *responseRecorder) WriteHeader(statusCode int) { rr.statusCode = statusCode }

// writeRecord marshals one NDJSON record and flushes it downstream.
func writeRecord(w http.ResponseWriter, record interface{}) bool {
	encoded, err := json.Marshal(record)
	if err != nil {
		return false
	}
	if _, err := w.Write(append(encoded, '\n')); err != nil {
		return false
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return true
}

// upstreamErrorMessage recovers the human-readable message from an
// OpenAI-shaped error body, falling back to the raw body text.
func upstreamErrorMessage(body []byte) string {
	var oaiErr openAIErrorResponse
	if err := json.Unmarshal(body, &oaiErr); err == nil && oaiErr.Error.Message != "" {
		return oaiErr.Error.Message
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return "upstream request failed"
}

// streamingResponseWriter rewrites an SSE completion stream into NDJSON
// records as it passes through. The generate flag selects /api/generate
// records over chat records. Upstream error responses are buffered
// whole and translated when the stream finishes.
type streamingResponseWriter struct {
	w        http.ResponseWriter
	log      logging.Logger
	model    string
	generate bool

	status          int
	buffer          bytes.Buffer
	errorBody       bytes.Buffer
	promptEvalCount int64
	evalCount       int64
}

func newStreamingResponseWriter(w http.ResponseWriter, log logging.Logger, model string, generate bool) *streamingResponseWriter {
	return &streamingResponseWriter{w: w, log: log, model: model, generate: generate}
}

func (s *streamingResponseWriter) Header() http.Header { return s.w.Header() }

func (s *streamingResponseWriter) WriteHeader(statusCode int) {
	if s.status != 0 {
		return
	}
	s.status = statusCode
	if statusCode != http.StatusOK {
		// The error body is rewritten on finish, so hold the response
		// until then.
		return
	}
	header := s.w.Header()
	header.Set("Content-Type", "application/x-ndjson")
	header.Del("Content-Length")
	s.w.WriteHeader(statusCode)
}

func (s *streamingResponseWriter) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	if s.status != http.StatusOK {
		return s.errorBody.Write(p)
	}
	s.buffer.Write(p)
	for {
		raw := s.buffer.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := strings.TrimSuffix(string(raw[:idx]), "\r")
		s.buffer.Next(idx + 1)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			continue
		}
		s.emit([]byte(payload))
	}
}

func (s *streamingResponseWriter) Flush() {
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *streamingResponseWriter) emit(payload []byte) {
	var chunk openAIResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		s.log.Warnf("Skipping malformed stream chunk: %v", err)
		return
	}
	if chunk.Usage != nil {
		s.promptEvalCount = chunk.Usage.PromptTokens
		s.evalCount = chunk.Usage.CompletionTokens
	}
	if s.generate {
		writeRecord(s.w, generateChunkFromOpenAI(s.model, chunk))
	} else {
		writeRecord(s.w, chatChunkFromOpenAI(s.model, chunk))
	}
}

// finish closes out the stream: a terminal record carrying the token
// counts on success, a translated error body otherwise.
func (s *streamingResponseWriter) finish() {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	if s.status != http.StatusOK {
		writeJSONError(s.w, s.status, upstreamErrorMessage(s.errorBody.Bytes()))
		return
	}
	if s.generate {
		writeRecord(s.w, GenerateResponse{
			Model:           s.model,
			CreatedAt:       modelModifiedAt,
			Done:            true,
			DoneReason:      "stop",
			Context:         []int{},
			PromptEvalCount: s.promptEvalCount,
			EvalCount:       s.evalCount,
		})
		return
	}
	writeRecord(s.w, ChatResponse{
		Model:           s.model,
		CreatedAt:       modelModifiedAt,
		Message:         &Message{Role: "assistant"},
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: s.promptEvalCount,
		EvalCount:       s.evalCount,
	})
}

// pullProgressWriter rewrites the weight store's progress stream into
// Ollama pull status records.
type pullProgressWriter struct {
	w      http.ResponseWriter
	buffer bytes.Buffer
}

func newPullProgressWriter(w http.ResponseWriter) *pullProgressWriter {
	return &pullProgressWriter{w: w}
}

func (p *pullProgressWriter) Write(data []byte) (int, error) {
	p.buffer.Write(data)
	for {
		raw := p.buffer.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return len(data), nil
		}
		var msg weights.ProgressMessage
		parsed := json.Unmarshal(raw[:idx], &msg) == nil
		p.buffer.Next(idx + 1)
		if parsed {
			p.emit(msg)
		}
	}
}

func (p *pullProgressWriter) Flush() {
	if flusher, ok := p.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (p *pullProgressWriter) emit(msg weights.ProgressMessage) {
	switch {
	case msg.Type == "error":
		writeRecord(p.w, errorResponse{Error: msg.Message})
	case msg.File.Name != "":
		writeRecord(p.w, pullDownloading{
			Status:    "downloading " + msg.File.Name,
			Completed: int64(msg.File.Current),
			Total:     int64(msg.File.Size),
		})
	case msg.Type == "success":
		// The handler owns the terminal success record.
	case msg.Message != "":
		writeRecord(p.w, pullStatus{Status: msg.Message})
	}
}
