// internal/agent/collector.go
package agent

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/points"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Sampler produces one heartbeat.
type Sampler interface {
	Collect(ctx context.Context) (*telemetry.HeartbeatMessage, error)
}

// Collector samples the host with gopsutil and the device probe.
type Collector struct {
	clientID  telemetry.ClientID
	probe     DeviceProbe
	catalog   *points.Snapshot
	diskPath  string
	cpuWindow time.Duration
	log       zerolog.Logger

	mu         sync.Mutex
	lastRx     uint64
	lastTx     uint64
	haveSample bool
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	ClientID telemetry.ClientID
	Probe    DeviceProbe

	// Catalog provides device TFLOPS for the total (default: built-in table).
	Catalog *points.Snapshot

	// DiskPath is the mount point whose usage is reported (default: /).
	DiskPath string

	// CPUWindow is how long CPU usage is measured per sample (default: 200ms).
	CPUWindow time.Duration
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig, log zerolog.Logger) *Collector {
	if cfg.Probe == nil {
		cfg.Probe = NoDevices{}
	}
	if cfg.Catalog == nil {
		if types, err := points.DefaultDeviceTypes(); err == nil {
			cfg.Catalog = points.NewSnapshot(types)
		}
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CPUWindow <= 0 {
		cfg.CPUWindow = 200 * time.Millisecond
	}
	return &Collector{
		clientID:  cfg.ClientID,
		probe:     cfg.Probe,
		catalog:   cfg.Catalog,
		diskPath:  cfg.DiskPath,
		cpuWindow: cfg.CPUWindow,
		log:       log,
	}
}

// Collect gathers a heartbeat. Sources that fail are reported as zero so a
// partial sample is still sent. Network counters are deltas since the
// previous sample; the first sample reports zero.
func (c *Collector) Collect(ctx context.Context) (*telemetry.HeartbeatMessage, error) {
	msg := &telemetry.HeartbeatMessage{ClientID: c.clientID}

	if p, err := cpu.PercentWithContext(ctx, c.cpuWindow, false); err == nil && len(p) > 0 {
		msg.System.CPUUsage = percent(p[0])
	} else if err != nil {
		c.log.Debug().Err(err).Msg("cpu sample failed")
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		msg.System.MemoryUsage = percent(v.UsedPercent)
	} else {
		c.log.Debug().Err(err).Msg("memory sample failed")
	}

	if d, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		msg.System.DiskUsage = percent(d.UsedPercent)
	} else {
		c.log.Debug().Err(err).Str("path", c.diskPath).Msg("disk sample failed")
	}

	if io, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		msg.System.NetworkRx, msg.System.NetworkTx = c.netDelta(io[0].BytesRecv, io[0].BytesSent)
	} else if err != nil {
		c.log.Debug().Err(err).Msg("network sample failed")
	}

	devices, err := c.probe.Devices(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("device probe failed")
	}
	msg.Devices = devices
	msg.DeviceCount = uint16(len(devices))

	var tflops float64
	for _, d := range devices {
		if dt, ok := c.catalog.Lookup(d.DeviceID); ok {
			tflops += dt.TFLOPS
		}
	}
	msg.TotalTFLOPS = uint32(math.Round(tflops))

	return msg, nil
}

func (c *Collector) netDelta(rx, tx uint64) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drx, dtx uint64
	// Counters reset on interface restarts; report zero rather than wrap.
	if c.haveSample && rx >= c.lastRx && tx >= c.lastTx {
		drx, dtx = rx-c.lastRx, tx-c.lastTx
	}
	c.lastRx, c.lastTx, c.haveSample = rx, tx, true
	return drx, dtx
}

func percent(f float64) uint8 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 100:
		return 100
	default:
		return uint8(math.Round(f))
	}
}
