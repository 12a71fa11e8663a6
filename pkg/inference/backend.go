package inference

import (
	"context"
	"net/http"
)

// BackendMode encodes the mode in which a backend should operate.
type BackendMode uint8

const (
	// BackendModeCompletion indicates that the backend should run in chat
	// completion mode.
	BackendModeCompletion BackendMode = iota
	// BackendModeEmbedding indicates that the backend should run in embedding
	// mode.
	BackendModeEmbedding
	BackendModeReranking
)

// String implements Stringer.String for BackendMode.
func (m BackendMode) String() string {
	switch m {
	case BackendModeCompletion:
		return "completion"
	case BackendModeEmbedding:
		return "embedding"
	case BackendModeReranking:
		return "reranking"
	default:
		return "unknown"
	}
}

// ParseBackendMode converts a string mode to BackendMode.
// It returns the parsed mode and a boolean indicating if the mode was known.
// For unknown modes, it returns BackendModeCompletion and false.
func ParseBackendMode(mode string) (BackendMode, bool) {
	switch mode {
	case "completion":
		return BackendModeCompletion, true
	case "embedding":
		return BackendModeEmbedding, true
	case "reranking":
		return BackendModeReranking, true
	default:
		return BackendModeCompletion, false
	}
}

// ModelArtifacts describes the on-disk weights resolved for a model. The
// weights store populates it before a runner is started.
type ModelArtifacts struct {
	// Checkpoint is the upstream checkpoint reference, e.g.
	// "unsloth/Qwen3-0.6B-GGUF:Q4_0". Backends with external weight
	// management load from this reference directly.
	Checkpoint string
	// Primary is the absolute path of the main weights file, or the model
	// directory for folder-based formats. Empty when the backend manages its
	// own weights.
	Primary string
	// Projector is the absolute path of the multimodal projector file, when
	// the model has one.
	Projector string
}

// BackendConfiguration carries per-load tuning shared across backends.
type BackendConfiguration struct {
	// ContextSize overrides the backend's default context window when > 0.
	ContextSize int
	// ExtraArgs are raw command line flags appended to the server invocation.
	ExtraArgs []string
}

// Backend is the interface implemented by inference engine backends. Backend
// implementations need not be safe for concurrent invocation of the following
// methods, though their underlying server implementations do need to support
// concurrent API requests.
type Backend interface {
	// Name returns the backend name. It must be all lowercase and usable as a
	// path component in an HTTP request path. It should also be suitable for
	// presenting to users (at least in logs). The package providing the
	// backend implementation should also expose a constant called Name which
	// matches the value returned by this method.
	Name() string
	// UsesExternalWeights should return true if the backend manages its own
	// model weights and false if the backend loads weights resolved by the
	// shared weights store.
	UsesExternalWeights() bool
	// Install ensures that the backend is installed. It should return a nil
	// error if installation succeeds or if the backend is already installed.
	// The provided HTTP client should be used for any HTTP operations.
	Install(ctx context.Context, httpClient *http.Client) error
	// Resident should return true if the backend serves requests from a
	// long-lived server process started by Run. Non-resident backends serve
	// each request by invoking a one-shot binary from the handler returned by
	// Proxy, and Run is never called for them.
	Resident() bool
	// Run runs an API server on the specified loopback port for the specified
	// model using the backend. It should start any process(es) necessary for
	// the backend to function for the model. It should not return until
	// either the process(es) fail or the provided context is cancelled. By
	// the time Run returns, any process(es) it has spawned must terminate.
	//
	// Backend implementations should be "one-shot" (i.e. returning from Run
	// after the failure of an underlying process). Backends should not
	// attempt to perform restarts on failure. Backends should only return a
	// nil error in the case of context cancellation, otherwise they should
	// return the error that caused them to fail.
	Run(ctx context.Context, port int, model string, artifacts ModelArtifacts, mode BackendMode, config *BackendConfiguration) error
	// ReadyPath returns the HTTP path polled on the runner's port to detect
	// server readiness. Non-resident backends return an empty string.
	ReadyPath() string
	// Proxy returns the handler that serves API requests for a loaded model.
	// For resident backends this is typically a reverse proxy to the server
	// started by Run; for non-resident backends it performs the work itself.
	Proxy(port int, model string, artifacts ModelArtifacts) http.Handler
	// Status returns a description of the backend's state.
	Status() string
	// GetDiskUsage returns the disk usage of the backend.
	GetDiskUsage() (int64, error)
}
