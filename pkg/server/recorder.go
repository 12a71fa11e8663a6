package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// defaultRecorderDepth is how many exchanges the recorder keeps per endpoint.
const defaultRecorderDepth = 16

// RecordedExchange is one request/response pair kept for debugging.
type RecordedExchange struct {
	Method   string
	Path     string
	Status   int
	Bytes    int64
	Duration time.Duration
	When     time.Time
}

// Recorder keeps a ring of the last few exchanges per endpoint and mirrors
// each one to the debug log. It never captures bodies; prompts and audio
// payloads do not belong in memory longer than the request.
type Recorder struct {
	log   logging.Logger
	depth int

	mu    sync.Mutex
	rings map[string][]RecordedExchange
}

// NewRecorder creates a recorder keeping depth exchanges per endpoint.
func NewRecorder(log logging.Logger, depth int) *Recorder {
	if depth <= 0 {
		depth = defaultRecorderDepth
	}
	return &Recorder{
		log:   log,
		depth: depth,
		rings: make(map[string][]RecordedExchange),
	}
}

// Wrap returns a handler that records every exchange passing through next.
func (r *Recorder) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		counter := &countingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(counter, req)
		r.record(RecordedExchange{
			Method:   req.Method,
			Path:     req.URL.Path,
			Status:   counter.status,
			Bytes:    counter.bytes,
			Duration: time.Since(started),
			When:     started,
		})
	})
}

// Recent returns the retained exchanges for one endpoint, oldest first.
func (r *Recorder) Recent(method, path string) []RecordedExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.rings[method+" "+path]
	out := make([]RecordedExchange, len(ring))
	copy(out, ring)
	return out
}

func (r *Recorder) record(exchange RecordedExchange) {
	key := exchange.Method + " " + exchange.Path
	r.mu.Lock()
	ring := append(r.rings[key], exchange)
	if len(ring) > r.depth {
		ring = ring[len(ring)-r.depth:]
	}
	r.rings[key] = ring
	r.mu.Unlock()

	r.log.Debugf("%s %s -> %d (%d bytes, %s)",
		exchange.Method, exchange.Path, exchange.Status, exchange.Bytes, exchange.Duration)
}

// countingResponseWriter tracks the status and byte count of a response.
// Flush is forwarded so streaming endpoints keep working through the
// recorder.
type countingResponseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *countingResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *countingResponseWriter) Write(data []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(data)
	w.bytes += int64(n)
	return n, err
}

func (w *countingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
