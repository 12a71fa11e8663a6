// Package kokoro integrates an external Kokoro TTS server for speech
// synthesis. The server ships separately with its own voices, so the backend
// only locates the binary and supervises one process per loaded model.
package kokoro

import (
	"context"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// Name is the backend name.
	Name = "kokoro"

	// serverBinary is the Kokoro server executable, expected on PATH.
	serverBinary = "kokoro-server"
)

// kokoro is the Kokoro TTS backend implementation.
type kokoro struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for the kokoro-server process output.
	serverLog logging.Logger

	// binPath is the kokoro-server executable found during Install.
	binPath string
	// status is the state in which the Kokoro backend is in.
	status string
}

// New creates a new Kokoro TTS backend.
func New(log logging.Logger, serverLog logging.Logger) inference.Backend {
	return &kokoro{
		log:       log,
		serverLog: serverLog,
		status:    "not installed",
	}
}

// Name implements inference.Backend.Name.
func (k *kokoro) Name() string {
	return Name
}

// UsesExternalWeights implements inference.Backend.UsesExternalWeights.
func (k *kokoro) UsesExternalWeights() bool {
	return true
}

// Resident implements inference.Backend.Resident.
func (k *kokoro) Resident() bool {
	return true
}

// ReadyPath implements inference.Backend.ReadyPath.
func (k *kokoro) ReadyPath() string {
	return "/health"
}

// Install implements inference.Backend.Install. The Kokoro server ships
// separately, so this only locates the binary.
func (k *kokoro) Install(ctx context.Context, httpClient *http.Client) error {
	binPath, err := exec.LookPath(serverBinary)
	if err != nil {
		k.status = "not installed"
		return inference.NewError(inference.ErrSystemBinaryMissing,
			"Kokoro is not installed: %q not found on PATH", serverBinary)
	}
	k.binPath = binPath
	k.status = "installed"
	k.log.Infof("Using Kokoro server at %s", binPath)
	return nil
}

// Run implements inference.Backend.Run.
func (k *kokoro) Run(ctx context.Context, port int, model string, artifacts inference.ModelArtifacts, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	if k.binPath == "" {
		return inference.NewError(inference.ErrInstallFailed,
			"Kokoro is not installed")
	}
	if mode != inference.BackendModeCompletion {
		return inference.NewError(inference.ErrBadRequest,
			"Kokoro does not support %s mode", mode)
	}

	return backends.RunProcess(ctx, backends.RunnerConfig{
		BackendName:     Name,
		BinaryPath:      k.binPath,
		Args:            []string{"--port", strconv.Itoa(port)},
		Logger:          k.log,
		ServerLogWriter: k.serverLog.Writer(),
	})
}

// Proxy implements inference.Backend.Proxy. The Kokoro server speaks the
// OpenAI speech surface directly, so no rewriting is needed.
func (k *kokoro) Proxy(port int, model string, artifacts inference.ModelArtifacts) http.Handler {
	return backends.NewProxy(k.log, port, nil)
}

// Status implements inference.Backend.Status.
func (k *kokoro) Status() string {
	return k.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage. Kokoro keeps its
// models outside the server's directories.
func (k *kokoro) GetDiskUsage() (int64, error) {
	return 0, nil
}
