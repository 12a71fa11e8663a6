// Package install ensures backend executables exist on disk, downloading
// and extracting release archives into the cache as needed.
package install

import (
	"fmt"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
)

// Default release versions per family. Installed versions are recorded next
// to the binaries, so bumping these rolls installs forward on next use.
const (
	LlamaCppVersion     = "b6510"
	LlamaCppROCmVersion = "b1066"
	SDCppVersion        = "master-2c39fd0"
	WhisperCppVersion   = "v1.7.4"
)

// Release archive URL templates.
const (
	llamaCppReleaseURL     = "https://github.com/ggml-org/llama.cpp/releases/download/%s/%s"
	llamaCppROCmReleaseURL = "https://github.com/lemonade-sdk/llamacpp-rocm/releases/download/%s/%s"
	sdCppReleaseURL        = "https://github.com/leejet/stable-diffusion.cpp/releases/download/%s/%s"
	whisperCppReleaseURL   = "https://github.com/ggerganov/whisper.cpp/releases/download/%s/%s"
)

// assetURL resolves the release archive for a (family, variant, version)
// triple on the given platform. Combinations with no published build fail
// with UnsupportedPlatform.
func assetURL(family, variant, version, goos, goarch string) (string, error) {
	switch family {
	case "llamacpp":
		return llamaCppAssetURL(variant, version, goos, goarch)
	case "sdcpp":
		return sdCppAssetURL(variant, version, goos, goarch)
	case "whispercpp":
		return whisperCppAssetURL(variant, version, goos, goarch)
	default:
		return "", inference.NewError(inference.ErrUnsupportedPlatform,
			"no release archives known for backend %q", family)
	}
}

func llamaCppAssetURL(variant, version, goos, goarch string) (string, error) {
	if variant == "rocm" {
		switch goos {
		case "linux":
			return fmt.Sprintf(llamaCppROCmReleaseURL, version,
				fmt.Sprintf("llama-%s-ubuntu-rocm-gfx110X-x64.zip", version)), nil
		case "windows":
			return fmt.Sprintf(llamaCppROCmReleaseURL, version,
				fmt.Sprintf("llama-%s-windows-rocm-gfx110X-x64.zip", version)), nil
		default:
			return "", unsupported("llamacpp", variant, goos, goarch)
		}
	}

	var asset string
	switch {
	case goos == "linux" && goarch == "amd64" && variant == "vulkan":
		asset = fmt.Sprintf("llama-%s-bin-ubuntu-vulkan-x64.zip", version)
	case goos == "linux" && goarch == "amd64":
		asset = fmt.Sprintf("llama-%s-bin-ubuntu-x64.zip", version)
	case goos == "darwin" && goarch == "arm64":
		// The macOS build carries Metal support; "metal" and "cpu" share it.
		asset = fmt.Sprintf("llama-%s-bin-macos-arm64.zip", version)
	case goos == "darwin" && goarch == "amd64":
		asset = fmt.Sprintf("llama-%s-bin-macos-x64.zip", version)
	case goos == "windows" && goarch == "amd64" && variant == "vulkan":
		asset = fmt.Sprintf("llama-%s-bin-win-vulkan-x64.zip", version)
	case goos == "windows" && goarch == "amd64":
		asset = fmt.Sprintf("llama-%s-bin-win-cpu-x64.zip", version)
	case goos == "windows" && goarch == "arm64":
		asset = fmt.Sprintf("llama-%s-bin-win-cpu-arm64.zip", version)
	default:
		return "", unsupported("llamacpp", variant, goos, goarch)
	}
	return fmt.Sprintf(llamaCppReleaseURL, version, asset), nil
}

func sdCppAssetURL(variant, version, goos, goarch string) (string, error) {
	var asset string
	switch {
	case goos == "linux" && goarch == "amd64" && variant == "vulkan":
		asset = fmt.Sprintf("sd-%s-bin-linux-vulkan-x64.zip", version)
	case goos == "linux" && goarch == "amd64":
		asset = fmt.Sprintf("sd-%s-bin-linux-avx2-x64.zip", version)
	case goos == "darwin" && goarch == "arm64":
		asset = fmt.Sprintf("sd-%s-bin-macos-arm64.zip", version)
	case goos == "windows" && goarch == "amd64" && variant == "vulkan":
		asset = fmt.Sprintf("sd-%s-bin-win-vulkan-x64.zip", version)
	case goos == "windows" && goarch == "amd64" && variant == "rocm":
		asset = fmt.Sprintf("sd-%s-bin-win-rocm5.5-x64.zip", version)
	case goos == "windows" && goarch == "amd64":
		asset = fmt.Sprintf("sd-%s-bin-win-avx2-x64.zip", version)
	default:
		return "", unsupported("sdcpp", variant, goos, goarch)
	}
	return fmt.Sprintf(sdCppReleaseURL, version, asset), nil
}

func whisperCppAssetURL(variant, version, goos, goarch string) (string, error) {
	// Upstream publishes prebuilt server binaries for Windows only; other
	// platforms use a system-installed whisper-server.
	if goos == "windows" && goarch == "amd64" {
		return fmt.Sprintf(whisperCppReleaseURL, version, "whisper-bin-x64.zip"), nil
	}
	return "", inference.NewError(inference.ErrUnsupportedPlatform,
		"no prebuilt whisper.cpp archive for %s/%s; install whisper-server on PATH and use the system variant", goos, goarch)
}

func unsupported(family, variant, goos, goarch string) error {
	return inference.NewError(inference.ErrUnsupportedPlatform,
		"no %s build published for %s/%s (variant %q)", family, goos, goarch, variant)
}
