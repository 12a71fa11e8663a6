package llamacpp

import (
	"strconv"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// DefaultContextSize is used when neither the load request nor the server
// configuration sets a context window.
const DefaultContextSize = 4096

// Config carries server-level settings applied to every llama-server launch.
type Config struct {
	// Variant pins the accelerator variant instead of probing the host.
	Variant string
	// ContextSize is the context window used when a load does not set one.
	ContextSize int
	// ExtraArgs are operator-supplied flags appended to every invocation.
	ExtraArgs []string
	// NoFallback disables the CPU relaunch after a GPU variant fails.
	NoFallback bool
}

// commandArgs builds the llama-server argument list for one launch attempt.
// serverArgs come from the operator and are passed through as-is; loadArgs
// come from model registrations and requests and are validated first.
func commandArgs(
	variant string,
	port int,
	artifacts inference.ModelArtifacts,
	mode inference.BackendMode,
	contextSize int,
	serverArgs, loadArgs []string,
) ([]string, error) {
	gpu := variant != "cpu"

	args := []string{
		"-m", artifacts.Primary,
		"--ctx-size", strconv.Itoa(contextSize),
		"--port", strconv.Itoa(port),
		"--jinja",
	}

	// The Metal backend does not support context shift.
	if variant == "metal" {
		args = append(args, "--keep", "16")
	} else {
		args = append(args, "--context-shift", "--keep", "16")
	}

	args = append(args, "--reasoning-format", "auto")

	switch mode {
	case inference.BackendModeCompletion:
	case inference.BackendModeEmbedding:
		args = append(args, "--embeddings")
	case inference.BackendModeReranking:
		args = append(args, "--embeddings", "--reranking")
	default:
		return nil, inference.NewError(inference.ErrBadRequest,
			"unsupported backend mode %q", mode)
	}

	if artifacts.Projector != "" {
		args = append(args, "--mmproj", artifacts.Projector)
		if !gpu {
			args = append(args, "--no-mmproj-offload")
		}
	}

	if gpu {
		args = append(args, "-ngl", "99")
	} else {
		args = append(args, "-ngl", "0")
	}

	args = append(args, serverArgs...)

	if len(loadArgs) > 0 {
		if err := inference.ValidateRuntimeFlags(loadArgs); err != nil {
			return nil, inference.NewError(inference.ErrBadRequest, "%v", err)
		}
		args = append(args, loadArgs...)
	}

	return args, nil
}
