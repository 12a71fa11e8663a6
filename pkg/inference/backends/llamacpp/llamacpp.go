package llamacpp

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/inference/backends"
	"github.com/lemonade-sdk/lemonade-server/pkg/install"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
	"github.com/lemonade-sdk/lemonade-server/pkg/sysinfo"
	"github.com/lemonade-sdk/lemonade-server/pkg/telemetry"
)

const (
	// Name is the backend name.
	Name = "llamacpp"

	// serverBinary is the llama.cpp server executable, without ".exe".
	serverBinary = "llama-server"
)

// llamaCpp is the llama.cpp-based backend implementation.
type llamaCpp struct {
	// log is the associated logger.
	log logging.Logger
	// serverLog is the logger to use for the llama-server process output.
	serverLog logging.Logger
	// installer provisions the llama-server builds.
	installer *install.Installer
	// telemetry receives figures scraped from server timing lines.
	telemetry *telemetry.Aggregator
	// config is the server-level configuration for the backend.
	config *Config

	// variant is the accelerator variant selected during Install.
	variant string
	// binPath is the llama-server executable for variant.
	binPath string
	// cpuBinPath is the CPU build used for fallback, when available.
	cpuBinPath string
	// status is the state in which the llama.cpp backend is in.
	status string
}

// New creates a new llama.cpp-based backend.
func New(
	log logging.Logger,
	serverLog logging.Logger,
	installer *install.Installer,
	aggregator *telemetry.Aggregator,
	config *Config,
) inference.Backend {
	if config == nil {
		config = &Config{}
	}
	return &llamaCpp{
		log:       log,
		serverLog: serverLog,
		installer: installer,
		telemetry: aggregator,
		config:    config,
		status:    "not installed",
	}
}

// Name implements inference.Backend.Name.
func (l *llamaCpp) Name() string {
	return Name
}

// UsesExternalWeights implements inference.Backend.UsesExternalWeights.
func (l *llamaCpp) UsesExternalWeights() bool {
	return false
}

// Resident implements inference.Backend.Resident.
func (l *llamaCpp) Resident() bool {
	return true
}

// ReadyPath implements inference.Backend.ReadyPath.
func (l *llamaCpp) ReadyPath() string {
	return "/health"
}

// Install implements inference.Backend.Install.
func (l *llamaCpp) Install(ctx context.Context, httpClient *http.Client) error {
	l.status = "installing"

	variant := install.SelectPreferredVariant(Name, l.config.Variant, serverBinary,
		sysinfo.DetectAccelerators())
	binPath, err := l.installer.Ensure(ctx, httpClient, l.spec(variant))
	if err != nil {
		l.status = fmt.Sprintf("install failed: %v", err)
		return err
	}
	l.variant = variant
	l.binPath = binPath

	// Provision the CPU build up front so a failed GPU launch can fall back
	// without a download in the middle of a load.
	if isGPUVariant(variant) && !l.config.NoFallback {
		cpuPath, err := l.installer.Ensure(ctx, httpClient, l.spec("cpu"))
		if err != nil {
			l.log.Warnf("CPU fallback build unavailable: %v", err)
		} else {
			l.cpuBinPath = cpuPath
		}
	}

	l.status = fmt.Sprintf("installed (%s)", variant)
	l.log.Infof("Installed llama-server %s variant at %s", variant, binPath)
	return nil
}

func (l *llamaCpp) spec(variant string) install.Spec {
	version := install.LlamaCppVersion
	if variant == "rocm" {
		version = install.LlamaCppROCmVersion
	}
	return install.Spec{Family: Name, Variant: variant, Version: version, Binary: serverBinary}
}

// Run implements inference.Backend.Run.
func (l *llamaCpp) Run(ctx context.Context, port int, model string, artifacts inference.ModelArtifacts, mode inference.BackendMode, config *inference.BackendConfiguration) error {
	if l.binPath == "" {
		return inference.NewError(inference.ErrInstallFailed, "llama-server is not installed")
	}
	if artifacts.Primary == "" {
		return inference.NewError(inference.ErrWeightsMissing,
			"no GGUF weights resolved for model %s", model)
	}

	contextSize := l.config.ContextSize
	var loadArgs []string
	if config != nil {
		if config.ContextSize > 0 {
			contextSize = config.ContextSize
		}
		loadArgs = config.ExtraArgs
	}
	if contextSize <= 0 {
		contextSize = DefaultContextSize
	}

	type launch struct {
		variant string
		binPath string
	}
	attempts := []launch{{variant: l.variant, binPath: l.binPath}}
	if isGPUVariant(l.variant) && !l.config.NoFallback && l.cpuBinPath != "" {
		attempts = append(attempts, launch{variant: "cpu", binPath: l.cpuBinPath})
	}

	var lastErr error
	for i, attempt := range attempts {
		if i > 0 {
			l.log.Warnf("llama-server failed on %s, retrying on CPU: %v", l.variant, lastErr)
		}
		args, err := commandArgs(attempt.variant, port, artifacts, mode, contextSize,
			l.config.ExtraArgs, loadArgs)
		if err != nil {
			return err
		}
		err = backends.RunProcess(ctx, backends.RunnerConfig{
			BackendName:     Name,
			BinaryPath:      attempt.binPath,
			Args:            args,
			Logger:          l.log,
			ServerLogWriter: l.serverLog.Writer(),
			LineHandler:     l.recordTimingLine,
		})
		if err == nil || ctx.Err() != nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Proxy implements inference.Backend.Proxy.
func (l *llamaCpp) Proxy(port int, model string, artifacts inference.ModelArtifacts) http.Handler {
	return backends.NewProxy(l.log, port, nil)
}

// Status implements inference.Backend.Status.
func (l *llamaCpp) Status() string {
	return l.status
}

// GetDiskUsage implements inference.Backend.GetDiskUsage.
func (l *llamaCpp) GetDiskUsage() (int64, error) {
	return l.installer.DiskUsage(Name)
}

func isGPUVariant(variant string) bool {
	switch variant {
	case "vulkan", "rocm", "metal":
		return true
	default:
		return false
	}
}

// timingLineRe matches llama-server's per-request timing summary, e.g.
//
//	prompt eval time =      94.22 ms /    12 tokens (    7.85 ms per token,   127.36 tokens per second)
//	       eval time =    1352.32 ms /    55 tokens (   24.59 ms per token,    40.67 tokens per second)
var timingLineRe = regexp.MustCompile(`(prompt eval|eval) time\s*=\s*([0-9.]+) ms\s*/\s*([0-9]+) (?:tokens|runs)\s*\(\s*[0-9.]+ ms per token,\s*([0-9.]+) tokens per second`)

// recordTimingLine scrapes telemetry from one line of server output.
// Unrecognized lines are ignored.
func (l *llamaCpp) recordTimingLine(line string) {
	m := timingLineRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	elapsedMS, errMS := strconv.ParseFloat(m[2], 64)
	tokens, errTokens := strconv.Atoi(m[3])
	tps, errTPS := strconv.ParseFloat(m[4], 64)
	if errMS != nil || errTokens != nil || errTPS != nil {
		return
	}

	if m[1] == "prompt eval" {
		l.telemetry.Record(Name, telemetry.Delta{
			InputTokens:      telemetry.Int(tokens),
			PromptTokens:     telemetry.Int(tokens),
			TimeToFirstToken: telemetry.Float(elapsedMS / 1000),
		})
	} else {
		l.telemetry.Record(Name, telemetry.Delta{
			OutputTokens:    telemetry.Int(tokens),
			TokensPerSecond: telemetry.Float(tps),
		})
	}
}
