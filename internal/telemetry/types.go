// Package telemetry defines the heartbeat data a compute node reports and the
// compact binary form it travels in on the message bus.
package telemetry

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ClientID is the 16 byte opaque identifier of a compute node.
type ClientID [16]byte

// String renders the id as 32 lowercase hex characters.
func (c ClientID) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the id is all zero bytes.
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

// ParseClientID parses the 32 character hex form produced by String.
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("client id %q: want %d hex chars", s, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("client id %q: %w", s, err)
	}
	return id, nil
}

// SystemInfo is the host-level sample carried by every heartbeat.
// Percentages are 0-100; network counters are cumulative bytes.
type SystemInfo struct {
	CPUUsage    uint8
	MemoryUsage uint8
	DiskUsage   uint8
	NetworkRx   uint64
	NetworkTx   uint64
}

// DeviceInfo is one accelerator's sample.
type DeviceInfo struct {
	Index       uint16
	DeviceID    uint32
	VendorID    uint32
	Usage       uint8
	MemoryUsage uint8
	PowerUsage  uint32 // watts
	Temperature uint32 // celsius
	MemorySize  uint64 // bytes
}

// HeartbeatMessage is a node's periodic report. The event time is not part
// of the message; it is assigned by the bus entry that carries it.
type HeartbeatMessage struct {
	ClientID    ClientID
	System      SystemInfo
	DeviceCount uint16
	TotalTFLOPS uint32
	Devices     []DeviceInfo
}

// Event is a decoded heartbeat paired with its event time.
type Event struct {
	Message   HeartbeatMessage
	Timestamp time.Time
}

// Bucket returns floor(ts / interval) in whole intervals since the epoch.
// A non-positive interval is treated as one second. Whole-second intervals
// are computed on seconds so far-off timestamps do not overflow.
func Bucket(ts time.Time, interval time.Duration) int64 {
	if interval <= 0 {
		interval = time.Second
	}
	if interval%time.Second == 0 {
		return floorDiv(ts.Unix(), int64(interval/time.Second))
	}
	return floorDiv(ts.UnixNano(), int64(interval))
}

func floorDiv(n, d int64) int64 {
	q := n / d
	if n%d != 0 && n < 0 {
		q--
	}
	return q
}

// Day returns the UTC calendar date of ts formatted as YYYY-MM-DD.
func Day(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
