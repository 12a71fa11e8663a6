package scheduling

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// maximumRequestBodySize is the maximum size of a request body that handlers
// will buffer. Vision chat requests can embed sizeable base64 images, so the
// limit is generous.
const maximumRequestBodySize = 512 * 1024 * 1024

var (
	// ErrBackendNotFound indicates an unknown backend name.
	ErrBackendNotFound = errors.New("backend not found")
	// errInstallerNotStarted indicates that the installer run loop has not
	// been started.
	errInstallerNotStarted = errors.New("installer not started")
	// errRunnerAlreadyActive indicates an attempt to reconfigure a runner
	// that is currently loaded or loading.
	errRunnerAlreadyActive = errors.New("runner is already active")
)

// OpenAIInferenceRequest is the portion of an OpenAI-compatible request body
// needed for scheduling decisions.
type OpenAIInferenceRequest struct {
	Model string `json:"model"`
}

// LoadRequest is the body of POST /api/v1/load. Both model and model_name
// are accepted.
type LoadRequest struct {
	ModelName   string `json:"model_name"`
	Model       string `json:"model"`
	ContextSize int    `json:"ctx_size"`
}

// Name returns the requested model under either field name.
func (r LoadRequest) Name() string {
	if r.ModelName != "" {
		return r.ModelName
	}
	return r.Model
}

// LoadResponse is the body returned by POST /api/v1/load.
type LoadResponse struct {
	Status     string `json:"status"`
	ModelName  string `json:"model_name"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ConfigureRequest is the body of POST /api/v1/params. It stores settings
// applied at the model's next load; extra args may arrive pre-split or as a
// raw shell string.
type ConfigureRequest struct {
	ModelName    string   `json:"model_name"`
	Model        string   `json:"model"`
	ContextSize  int      `json:"ctx_size"`
	ExtraArgs    []string `json:"extra_args"`
	RawExtraArgs string   `json:"raw_extra_args"`
}

// Name returns the requested model under either field name.
func (r ConfigureRequest) Name() string {
	if r.ModelName != "" {
		return r.ModelName
	}
	return r.Model
}

// UnloadRequest is the body of POST /api/v1/unload. An empty body unloads
// every idle model.
type UnloadRequest struct {
	ModelName string `json:"model_name"`
	All       bool   `json:"all"`
}

// UnloadResponse is the body returned by POST /api/v1/unload.
type UnloadResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message,omitempty"`
	Unloaded []string `json:"unloaded"`
}

// HealthResponse is the body returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string         `json:"status"`
	WebsocketPort int            `json:"websocket_port"`
	ModelsLoaded  []string       `json:"models_loaded"`
	MaxModels     map[string]int `json:"max_models"`
}

// RunnerStatus describes one resident model for GET /api/v1/ps.
type RunnerStatus struct {
	ModelName     string    `json:"model_name"`
	Backend       string    `json:"backend"`
	Mode          string    `json:"mode"`
	Port          int       `json:"port"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	References    uint      `json:"references"`
	LastUsed      time.Time `json:"last_used"`
}

// backendModeForRequest maps a request path onto the backend operation mode
// that must serve it.
func backendModeForRequest(path string) (inference.BackendMode, bool) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"),
		strings.HasSuffix(path, "/completions"):
		return inference.BackendModeCompletion, true
	case strings.HasSuffix(path, "/embeddings"):
		return inference.BackendModeEmbedding, true
	case strings.HasSuffix(path, "/rerank"), strings.HasSuffix(path, "/reranking"):
		return inference.BackendModeReranking, true
	default:
		return inference.BackendModeCompletion, false
	}
}

// parseIdleTimeout parses the idle eviction window. "0" disables idle
// eviction; anything else must sit between one minute and 24 hours.
func parseIdleTimeout(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid idle timeout %q: %w", value, err)
	}
	if d == 0 {
		return time.Duration(math.MaxInt64), nil
	}
	if d < time.Minute {
		return 0, fmt.Errorf("idle timeout %q is below the 1m minimum", value)
	}
	if d > 24*time.Hour {
		return 0, fmt.Errorf("idle timeout %q is above the 24h maximum", value)
	}
	return d, nil
}
