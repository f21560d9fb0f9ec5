// internal/agent/gpu.go
package agent

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// DeviceProbe lists the accelerators of the node.
type DeviceProbe interface {
	Devices(ctx context.Context) ([]telemetry.DeviceInfo, error)
}

// NoDevices is a probe for CPU-only nodes.
type NoDevices struct{}

func (NoDevices) Devices(context.Context) ([]telemetry.DeviceInfo, error) { return nil, nil }

var nvidiaQuery = []string{
	"--query-gpu=index,pci.device_id,utilization.gpu,utilization.memory,power.draw,temperature.gpu,memory.total",
	"--format=csv,noheader,nounits",
}

// NvidiaSMI reads NVIDIA devices through nvidia-smi.
type NvidiaSMI struct {
	// Path to the binary (default: nvidia-smi on PATH).
	Path string

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// HasNvidiaSMI reports whether nvidia-smi is on PATH.
func HasNvidiaSMI() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// DefaultProbe returns an nvidia-smi probe when the tool is installed, and a
// probe reporting no devices otherwise.
func DefaultProbe() DeviceProbe {
	if HasNvidiaSMI() {
		return &NvidiaSMI{}
	}
	return NoDevices{}
}

func (p *NvidiaSMI) Devices(ctx context.Context) ([]telemetry.DeviceInfo, error) {
	path := p.Path
	if path == "" {
		path = "nvidia-smi"
	}
	run := p.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	out, err := run(ctx, path, nvidiaQuery...)
	if err != nil {
		return nil, fmt.Errorf("failed to query NVIDIA GPUs: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI reads the CSV produced by nvidiaQuery. Fields nvidia-smi
// cannot report ("[N/A]", "[Not Supported]") read as zero.
func parseNvidiaSMI(out string) ([]telemetry.DeviceInfo, error) {
	var devices []telemetry.DeviceInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 7 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		index, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("gpu index %q: %w", parts[0], err)
		}
		// pci.device_id packs the device id in the upper 16 bits and the
		// vendor id in the lower 16, e.g. 0x268410DE.
		pciID, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(parts[1]), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("pci device id %q: %w", parts[1], err)
		}

		devices = append(devices, telemetry.DeviceInfo{
			Index:       uint16(index),
			DeviceID:    uint32(pciID >> 16),
			VendorID:    uint32(pciID & 0xffff),
			Usage:       uint8(min(number(parts[2]), 100)),
			MemoryUsage: uint8(min(number(parts[3]), 100)),
			PowerUsage:  uint32(math.Round(number(parts[4]))),
			Temperature: uint32(number(parts[5])),
			MemorySize:  uint64(number(parts[6])) << 20, // MiB
		})
	}
	return devices, nil
}

func number(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) {
		return 0
	}
	return f
}
