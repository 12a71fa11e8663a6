package sysinfo

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jaypipes/ghw"
)

// Accelerators describes the acceleration support detected on the host.
type Accelerators struct {
	ROCm   bool
	Vulkan bool
	Metal  bool
}

// DetectAccelerators probes for usable GPU acceleration. On Linux the probe
// checks kernel device nodes; elsewhere it falls back to PCI enumeration.
func DetectAccelerators() Accelerators {
	switch runtime.GOOS {
	case "darwin":
		return Accelerators{Metal: true}
	case "linux":
		return Accelerators{
			ROCm:   hasDevice("/dev/kfd"),
			Vulkan: hasRenderNode(),
		}
	default:
		amd, any := enumerateGPUs()
		return Accelerators{ROCm: amd, Vulkan: any}
	}
}

func hasDevice(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hasRenderNode reports whether any DRM render node exists, which any
// Vulkan-capable driver exposes.
func hasRenderNode() bool {
	matches, err := filepath.Glob("/dev/dri/renderD*")
	return err == nil && len(matches) > 0
}

// enumerateGPUs reports (hasAMD, hasAny) from PCI enumeration.
func enumerateGPUs() (bool, bool) {
	gpuInfo, err := ghw.GPU()
	if err != nil {
		return false, false
	}
	var amd bool
	for _, card := range gpuInfo.GraphicsCards {
		if card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		vendor := strings.ToLower(card.DeviceInfo.Vendor.Name)
		if strings.Contains(vendor, "amd") || strings.Contains(vendor, "advanced micro devices") {
			amd = true
		}
	}
	return amd, len(gpuInfo.GraphicsCards) > 0
}
