package ollama

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logging.NewLogrusAdapter(l)
}

// decodeRecords splits an NDJSON body into one map per record.
func decodeRecords(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &record), "line %q", line)
		records = append(records, record)
	}
	return records
}

func TestStreamingWriterChat(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamingResponseWriter(rec, testLogger(), "tiny-model", false)

	chunks := []string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
		``,
		`data: [DONE]`,
		``,
	}
	// Deliver in two writes split mid-line so buffering is exercised.
	input := strings.Join(chunks, "\n")
	_, err := sw.Write([]byte(input[:25]))
	require.NoError(t, err)
	_, err = sw.Write([]byte(input[25:]))
	require.NoError(t, err)
	sw.finish()

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 3)

	first := records[0]["message"].(map[string]interface{})
	assert.Equal(t, "Hel", first["content"])
	assert.Equal(t, false, records[0]["done"])

	second := records[1]["message"].(map[string]interface{})
	assert.Equal(t, "lo", second["content"])

	final := records[2]
	assert.Equal(t, true, final["done"])
	assert.Equal(t, "stop", final["done_reason"])
	assert.Equal(t, "tiny-model", final["model"])
	assert.Equal(t, float64(3), final["prompt_eval_count"])
	assert.Equal(t, float64(2), final["eval_count"])
}

func TestStreamingWriterGenerate(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamingResponseWriter(rec, testLogger(), "tiny-model", true)

	_, err := sw.Write([]byte("data: {\"choices\":[{\"text\":\"lemon\"}]}\n\ndata: [DONE]\n\n"))
	require.NoError(t, err)
	sw.finish()

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 2)
	assert.Equal(t, "lemon", records[0]["response"])

	final := records[1]
	assert.Equal(t, true, final["done"])
	// Terminal generate records always carry an empty context array.
	assert.Equal(t, []interface{}{}, final["context"])
}

func TestStreamingWriterUpstreamError(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamingResponseWriter(rec, testLogger(), "tiny-model", false)

	sw.WriteHeader(http.StatusServiceUnavailable)
	_, err := sw.Write([]byte(`{"error":{"message":"model is overloaded"}}`))
	require.NoError(t, err)
	sw.finish()

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var response errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "model is overloaded", response.Error)
}

func TestStreamingWriterSkipsMalformedChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamingResponseWriter(rec, testLogger(), "tiny-model", false)

	_, err := sw.Write([]byte("data: not-json\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"))
	require.NoError(t, err)
	sw.finish()

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 2)
	message := records[0]["message"].(map[string]interface{})
	assert.Equal(t, "ok", message["content"])
}

func TestNormalizeModelName(t *testing.T) {
	assert.Equal(t, "Qwen3-0.6B-GGUF", normalizeModelName("Qwen3-0.6B-GGUF:latest"))
	assert.Equal(t, "Qwen3-0.6B-GGUF", normalizeModelName("Qwen3-0.6B-GGUF"))
	// A bare tag is not a model name to strip.
	assert.Equal(t, ":latest", normalizeModelName(":latest"))
}

func TestPullProgressWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	pw := newPullProgressWriter(rec)

	lines := []string{
		`{"type":"status","message":"Fetching file list for org/repo..."}`,
		`{"type":"progress","file":{"name":"model-Q4_0.gguf","current":512,"size":1024}}`,
		`{"type":"success","message":"done"}`,
	}
	_, err := pw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)

	records := decodeRecords(t, rec.Body.String())
	require.Len(t, records, 2)
	assert.Equal(t, "Fetching file list for org/repo...", records[0]["status"])
	assert.Equal(t, "downloading model-Q4_0.gguf", records[1]["status"])
	assert.Equal(t, float64(512), records[1]["completed"])
	assert.Equal(t, float64(1024), records[1]["total"])
}
