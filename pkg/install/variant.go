package install

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/lemonade-sdk/lemonade-server/pkg/sysinfo"
)

// PreferSystemEnv forces the "system" variant to the front of the
// preference order when the binary is found on PATH.
const PreferSystemEnv = "LEMONADE_LLAMACPP_PREFER_SYSTEM"

// SelectPreferredVariant picks the accelerator variant for a family. An
// explicit override (CLI flag or env) always wins; otherwise the first
// supported variant from the family's preference order is chosen based on
// the probed accelerators.
func SelectPreferredVariant(family, override, binary string, accel sysinfo.Accelerators) string {
	if override != "" {
		return override
	}

	if family == "llamacpp" && envTruthy(os.Getenv(PreferSystemEnv)) && onPath(binary) {
		return "system"
	}

	switch family {
	case "llamacpp":
		// Preference order: Vulkan, ROCm, Metal, CPU.
		switch {
		case accel.Vulkan:
			return "vulkan"
		case accel.ROCm:
			return "rocm"
		case accel.Metal:
			return "metal"
		default:
			return "cpu"
		}
	case "sdcpp":
		switch {
		case accel.Vulkan:
			return "vulkan"
		case accel.ROCm && runtime.GOOS == "windows":
			return "rocm"
		default:
			return "cpu"
		}
	case "whispercpp":
		if runtime.GOOS == "windows" {
			return "cpu"
		}
		return "system"
	default:
		return "system"
	}
}

func envTruthy(value string) bool {
	switch value {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	default:
		return false
	}
}

func onPath(binary string) bool {
	if binary == "" {
		return false
	}
	_, err := exec.LookPath(binary)
	return err == nil
}
