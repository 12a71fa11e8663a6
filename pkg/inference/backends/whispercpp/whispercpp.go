// Package whispercpp serves speech-to-text through the whisper.cpp server.
// The upstream process exposes a single POST /inference endpoint taking
// multipart audio, which lines up with the OpenAI transcription surface after
// a path rewrite.
package whispercpp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends"
	"github.com/lemonade-sdk/lemonade-server/pkg/install"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/sysinfo"
)

const (
	// Name is the backend name.
	Name = "whispercpp"

	// serverBinary is the whisper.cpp server executable, without ".exe".
	serverBinary = "whisper-server"
)

// Config carries server-level settings for the whisper.cpp backend.
type Config struct {
	// Variant pins the accelerator variant instead of probing the host.
	Variant string
}

// whisperCpp is the whisper.cpp-based backend implementation.
type whisperCpp struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for the whisper-server process output.
	serverLog logging.Logger
	// installer provisions the whisper-server builds.
	installer *install.Installer
	// config is the server-level configuration for the backend.
	config *Config

	// variant is the accelerator variant selected during Install.
	variant string
	// binPath is the whisper-server executable for variant.
	binPath string
	// status is the state in which the whisper.cpp backend is in.
	status string
}

// New creates a new whisper.cpp-based backend.
func New(log logging.Logger, serverLog logging.Logger, installer *install.Installer, config *Config) inference.Backend {
	if config == nil {
		config = &Config{}
	}
	return &whisperCpp{
		log:       log,
		serverLog: serverLog,
		installer: installer,
		config:    config,
		status:    "not installed",
	}
}

// Name implements inference.Backend.Name.
func (w *whisperCpp) Name() string {
	return Name
}

// UsesExternalWeights implements inference.Backend.UsesExternalWeights.
func (w *whisperCpp) UsesExternalWeights() bool {
	return false
}

// Resident implements inference.Backend.Resident.
func (w *whisperCpp) Resident() bool {
	return true
}

// ReadyPath implements inference.Backend.ReadyPath. whisper-server has no
// health endpoint but serves a demo page at the root.
func (w *whisperCpp) ReadyPath() string {
	return "/"
}

// Install implements inference.Backend.Install.
func (w *whisperCpp) Install(ctx context.Context, httpClient *http.Client) error {
	w.status = "installing"

	variant := install.SelectPreferredVariant(Name, w.config.Variant, serverBinary,
		sysinfo.DetectAccelerators())
	binPath, err := w.installer.Ensure(ctx, httpClient, install.Spec{
		Family:  Name,
		Variant: variant,
		Version: install.WhisperCppVersion,
		Binary:  serverBinary,
	})
	if err != nil {
		w.status = fmt.Sprintf("install failed: %v", err)
		return err
	}
	w.variant = variant
	w.binPath = binPath
	w.status = fmt.Sprintf("installed (%s)", variant)
	w.log.Infof("Installed whisper-server %s variant at %s", variant, binPath)
	return nil
}

// Run implements inference.Backend.Run.
func (w *whisperCpp) Run(ctx context.Context, port int, model string, artifacts inference.ModelArtifacts, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	if w.binPath == "" {
		return inference.NewError(inference.ErrInstallFailed,
			"whisper.cpp is not installed")
	}
	if mode != inference.BackendModeCompletion {
		return inference.NewError(inference.ErrBadRequest,
			"whisper.cpp does not support %s mode", mode)
	}
	if artifacts.Primary == "" {
		return inference.NewError(inference.ErrWeightsMissing,
			"no weights resolved for model %s", model)
	}

	// --convert transcodes uploads that are not 16 kHz WAV.
	args := []string{
		"-m", artifacts.Primary,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--convert",
	}
	if config != nil {
		args = append(args, config.ExtraArgs...)
	}

	return backends.RunProcess(ctx, backends.RunnerConfig{
		BackendName:     Name,
		BinaryPath:      w.binPath,
		Args:            args,
		Logger:          w.log,
		ServerLogWriter: w.serverLog.Writer(),
	})
}

// Proxy implements inference.Backend.Proxy. All transcription routes collapse
// onto whisper-server's single inference endpoint; the multipart field names
// and the {"text": ...} response already line up.
func (w *whisperCpp) Proxy(port int, model string, artifacts inference.ModelArtifacts) http.Handler {
	return backends.NewProxy(w.log, port, func(r *http.Request) {
		r.URL.Path = "/inference"
		r.URL.RawPath = ""
	})
}

// Status implements inference.Backend.Status.
func (w *whisperCpp) Status() string {
	return w.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage.
func (w *whisperCpp) GetDiskUsage() (int64, error) {
	return w.installer.DiskUsage(Name)
}
