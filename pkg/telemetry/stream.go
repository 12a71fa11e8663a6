package telemetry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// maxBodyCapture bounds how much of a JSON response body is retained for
// usage extraction. Larger bodies (image payloads) are passed through
// without accounting.
const maxBodyCapture = 1 << 20

type usagePayload struct {
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamRecorder wraps a ResponseWriter to observe upstream responses as they
// are relayed to the client. For server-sent event streams it times each data
// chunk and watches for the terminating [DONE] sentinel; for JSON bodies it
// extracts the usage object. Observed figures are merged into the aggregator
// when Finish is called.
type StreamRecorder struct {
	rw         http.ResponseWriter
	aggregator *Aggregator
	family     string

	start       time.Time
	status      int
	streaming   bool
	sawDone     bool
	haveFirst   bool
	firstChunk  time.Time
	lastChunk   time.Time
	decodeTimes []float64

	body     bytes.Buffer
	overflow bool

	lineBuffer string
	usage      *usagePayload
}

// NewStreamRecorder wraps w. Figures are recorded against the given family.
func NewStreamRecorder(w http.ResponseWriter, aggregator *Aggregator, family string) *StreamRecorder {
	return &StreamRecorder{
		rw:         w,
		aggregator: aggregator,
		family:     family,
		start:      time.Now(),
	}
}

// Header implements http.ResponseWriter.Header.
func (r *StreamRecorder) Header() http.Header {
	return r.rw.Header()
}

// WriteHeader implements http.ResponseWriter.WriteHeader.
func (r *StreamRecorder) WriteHeader(statusCode int) {
	if r.status == 0 {
		r.status = statusCode
		r.streaming = strings.HasPrefix(r.rw.Header().Get("Content-Type"), "text/event-stream")
	}
	r.rw.WriteHeader(statusCode)
}

// Write implements http.ResponseWriter.Write.
func (r *StreamRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
		r.streaming = strings.HasPrefix(r.rw.Header().Get("Content-Type"), "text/event-stream")
	}

	if r.streaming {
		r.observeChunks(p, time.Now())
	} else if !r.overflow {
		if r.body.Len()+len(p) > maxBodyCapture {
			r.overflow = true
			r.body.Reset()
		} else {
			r.body.Write(p)
		}
	}

	return r.rw.Write(p)
}

// Flush implements http.Flusher when the underlying writer supports it.
func (r *StreamRecorder) Flush() {
	if flusher, ok := r.rw.(http.Flusher); ok {
		flusher.Flush()
	}
}

// observeChunks scans stream data for complete "data:" lines, timing each one
// and remembering the last usage object seen.
func (r *StreamRecorder) observeChunks(p []byte, now time.Time) {
	r.lineBuffer += string(p)
	for {
		idx := strings.Index(r.lineBuffer, "\n")
		if idx < 0 {
			return
		}
		line := strings.TrimRight(r.lineBuffer[:idx], "\r")
		r.lineBuffer = r.lineBuffer[idx+1:]

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			r.sawDone = true
			continue
		}

		if !r.haveFirst {
			r.haveFirst = true
			r.firstChunk = now
		} else {
			r.decodeTimes = append(r.decodeTimes, now.Sub(r.lastChunk).Seconds())
		}
		r.lastChunk = now

		if strings.Contains(payload, `"usage"`) {
			var parsed usagePayload
			if err := json.Unmarshal([]byte(payload), &parsed); err == nil && parsed.Usage != nil {
				r.usage = &parsed
			}
		}
	}
}

// SawDone reports whether the stream carried the [DONE] sentinel.
func (r *StreamRecorder) SawDone() bool {
	return r.sawDone
}

// EnsureDone appends the [DONE] sentinel when a successful stream ended
// without one, so clients waiting on the terminator are not left hanging.
func (r *StreamRecorder) EnsureDone() {
	if !r.streaming || r.sawDone || r.status >= http.StatusBadRequest {
		return
	}
	_, _ = r.rw.Write([]byte("data: [DONE]\n\n"))
	r.Flush()
	r.sawDone = true
}

// Finish merges the observed figures into the aggregator. Responses that
// never reached the upstream or failed are not recorded.
func (r *StreamRecorder) Finish() {
	if r.status == 0 || r.status >= http.StatusBadRequest {
		return
	}

	var delta Delta

	if r.streaming {
		if r.haveFirst {
			delta.TimeToFirstToken = Float(r.firstChunk.Sub(r.start).Seconds())
		}
		delta.DecodeTokenTimes = r.decodeTimes
	} else if !r.overflow && r.body.Len() > 0 {
		var parsed usagePayload
		if err := json.Unmarshal(r.body.Bytes(), &parsed); err == nil && parsed.Usage != nil {
			r.usage = &parsed
		}
	}

	if r.usage != nil && r.usage.Usage != nil {
		delta.InputTokens = Int(r.usage.Usage.PromptTokens)
		delta.PromptTokens = Int(r.usage.Usage.PromptTokens)
		delta.OutputTokens = Int(r.usage.Usage.CompletionTokens)
		if total := sum(r.decodeTimes); total > 0 && r.usage.Usage.CompletionTokens > 0 {
			delta.TokensPerSecond = Float(float64(r.usage.Usage.CompletionTokens) / total)
		}
	}

	r.aggregator.Record(r.family, delta)
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
