// Package sysinfo probes host hardware and OS details for the system-info
// endpoint and for backend variant selection.
package sysinfo

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// CPUDevice describes the host processor.
type CPUDevice struct {
	Name      string `json:"name"`
	Cores     uint32 `json:"cores"`
	Threads   uint32 `json:"threads"`
	Available bool   `json:"available"`
}

// GPUDevice describes one graphics adapter.
type GPUDevice struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
}

// Devices groups the detected compute devices.
type Devices struct {
	CPU  CPUDevice   `json:"cpu"`
	GPUs []GPUDevice `json:"gpu"`
}

// Info is the system-info endpoint payload.
type Info struct {
	OSVersion      string  `json:"os_version"`
	Processor      string  `json:"processor"`
	PhysicalMemory string  `json:"physical_memory"`
	Devices        Devices `json:"devices"`
}

// Collect gathers host information. Probing failures are logged and leave
// the corresponding fields empty rather than failing the request.
func Collect(log logging.Logger) Info {
	info := Info{}
	info.Devices.CPU.Available = true

	if host, err := sysinfo.Host(); err == nil {
		hostInfo := host.Info()
		if hostInfo.OS != nil {
			info.OSVersion = fmt.Sprintf("%s %s", hostInfo.OS.Name, hostInfo.OS.Version)
		}
	} else {
		log.Warnf("Unable to read host info: %v", err)
	}

	if cpuInfo, err := ghw.CPU(); err == nil {
		info.Devices.CPU.Cores = cpuInfo.TotalCores
		info.Devices.CPU.Threads = cpuInfo.TotalThreads
		if len(cpuInfo.Processors) > 0 {
			info.Devices.CPU.Name = cpuInfo.Processors[0].Model
			info.Processor = cpuInfo.Processors[0].Model
		}
	} else {
		log.Warnf("Unable to read CPU info: %v", err)
	}

	if memInfo, err := ghw.Memory(); err == nil && memInfo.TotalPhysicalBytes > 0 {
		info.PhysicalMemory = units.BytesSize(float64(memInfo.TotalPhysicalBytes))
	} else if err != nil {
		log.Warnf("Unable to read memory info: %v", err)
	}

	if gpuInfo, err := ghw.GPU(); err == nil {
		for _, card := range gpuInfo.GraphicsCards {
			device := GPUDevice{}
			if card.DeviceInfo != nil {
				if card.DeviceInfo.Product != nil {
					device.Name = card.DeviceInfo.Product.Name
				}
				if card.DeviceInfo.Vendor != nil {
					device.Vendor = card.DeviceInfo.Vendor.Name
				}
			}
			if device.Name == "" {
				device.Name = card.String()
			}
			info.Devices.GPUs = append(info.Devices.GPUs, device)
		}
	} else {
		log.Warnf("Unable to read GPU info: %v", err)
	}

	return info
}
