// Package flm integrates the FastFlowLM NPU runtime. FastFlowLM installs as
// its own product with a weights store of its own, so the backend only
// supervises `flm serve` processes and never downloads binaries or
// checkpoints itself.
package flm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "flm"

	// cliBinary is the FastFlowLM executable, expected on PATH.
	cliBinary = "flm"

	// defaultContextSize is the context window passed to `flm serve` when
	// neither the load request nor the server configuration sets one.
	defaultContextSize = 4096
)

// Config carries server-level settings for the FastFlowLM backend.
type Config struct {
	// ContextSize overrides the default context window for every load.
	ContextSize int
}

// flm is the FastFlowLM backend implementation. The runtime publishes a
// single serving port, so the pool caps the family at one resident model.
type flm struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for flm process output.
	serverLog logging.Logger
	// config is the server-level configuration for the backend.
	config *Config

	// binPath is the flm executable found during Install.
	binPath string
	// status is the state in which the FastFlowLM backend is in.
	status string
}

// New creates a new FastFlowLM backend.
func New(log logging.Logger, serverLog logging.Logger, config *Config) inference.Backend {
	if config == nil {
		config = &Config{}
	}
	return &flm{
		log:       log,
		serverLog: serverLog,
		config:    config,
		status:    "not installed",
	}
}

// Name implements inference.Backend.Name.
func (f *flm) Name() string {
	return Name
}

// UsesExternalWeights implements inference.Backend.UsesExternalWeights.
func (f *flm) UsesExternalWeights() bool {
	return true
}

// Resident implements inference.Backend.Resident.
func (f *flm) Resident() bool {
	return true
}

// ReadyPath implements inference.Backend.ReadyPath. FastFlowLM has no health
// endpoint, so readiness is a 200 from the tags listing.
func (f *flm) ReadyPath() string {
	return "/api/tags"
}

// Install implements inference.Backend.Install. FastFlowLM ships its own
// installer, so this only locates the binary.
func (f *flm) Install(ctx context.Context, httpClient *http.Client) error {
	binPath, err := exec.LookPath(cliBinary)
	if err != nil {
		f.status = "not installed"
		return inference.NewError(inference.ErrSystemBinaryMissing,
			"FastFlowLM is not installed: %q not found on PATH", cliBinary)
	}
	f.binPath = binPath
	f.status = "installed"
	f.log.Infof("Using FastFlowLM at %s", binPath)
	return nil
}

// Run implements inference.Backend.Run.
func (f *flm) Run(ctx context.Context, port int, model string, artifacts inference.ModelArtifacts, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	if f.binPath == "" {
		return inference.NewError(inference.ErrInstallFailed,
			"FastFlowLM is not installed")
	}
	if mode != inference.BackendModeCompletion {
		return inference.NewError(inference.ErrBadRequest,
			"FastFlowLM does not support %s mode", mode)
	}
	if artifacts.Checkpoint == "" {
		return inference.NewError(inference.ErrWeightsMissing,
			"no checkpoint reference for model %s", model)
	}

	contextSize := defaultContextSize
	if f.config.ContextSize > 0 {
		contextSize = f.config.ContextSize
	}
	if config != nil && config.ContextSize > 0 {
		contextSize = config.ContextSize
	}

	return backends.RunProcess(ctx, backends.RunnerConfig{
		BackendName:     Name,
		BinaryPath:      f.binPath,
		Args:            serveArgs(artifacts.Checkpoint, contextSize, port),
		Logger:          f.log,
		ServerLogWriter: f.serverLog.Writer(),
	})
}

// serveArgs builds the `flm serve` command line for one model load.
func serveArgs(checkpoint string, contextSize, port int) []string {
	return []string{
		"serve",
		checkpoint,
		"--ctx-len", strconv.Itoa(contextSize),
		"--port", strconv.Itoa(port),
	}
}

// Proxy implements inference.Backend.Proxy. Unlike llama-server, FastFlowLM
// resolves the request's model field against its own store, so the proxy
// rewrites it to the checkpoint reference before forwarding.
func (f *flm) Proxy(port int, model string, artifacts inference.ModelArtifacts) http.Handler {
	return backends.NewProxy(f.log, port, rewriteModel(artifacts.Checkpoint))
}

// rewriteModel returns a request hook that replaces the model field of JSON
// bodies with the given checkpoint reference. Bodies that do not parse as a
// JSON object are forwarded untouched.
func rewriteModel(checkpoint string) func(*http.Request) {
	return func(r *http.Request) {
		if r.Body == nil || r.ContentLength == 0 {
			return
		}
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			return
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			return
		}
		payload["model"] = checkpoint
		rewritten, err := json.Marshal(payload)
		if err != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(rewritten))
		r.ContentLength = int64(len(rewritten))
	}
}

// PullModel downloads a model through FastFlowLM's own store. The models
// service discovers this method by interface assertion, because most backends
// resolve weights through the shared store instead.
func (f *flm) PullModel(ctx context.Context, checkpoint string) error {
	if f.binPath == "" {
		return inference.NewError(inference.ErrInstallFailed,
			"FastFlowLM is not installed")
	}

	f.log.Infof("Pulling FastFlowLM model %s", checkpoint)
	w := f.serverLog.Writer()
	defer w.Close()

	cmd := exec.CommandContext(ctx, f.binPath, "pull", checkpoint)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return inference.NewError(inference.ErrWeightsMissing,
			"flm pull %s failed: %v", checkpoint, err)
	}
	return nil
}

// Status implements inference.Backend.Status.
func (f *flm) Status() string {
	return f.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage. FastFlowLM keeps
// binaries and weights in its own store, outside the server's directories.
func (f *flm) GetDiskUsage() (int64, error) {
	return 0, nil
}
