package telemetry

import (
	"errors"
	"fmt"

	"github.com/aceteam-ai/citadel-fabric/internal/wire"
)

// ErrDecode marks a heartbeat payload that could not be decoded.
var ErrDecode = errors.New("decode heartbeat")

// MaxDevices bounds the device list of a single heartbeat.
const MaxDevices = 256

const deviceWireSize = 2 + 4 + 4 + 1 + 1 + 4 + 4 + 8

// Marshal encodes m in the fixed-width little-endian bus format.
func Marshal(m *HeartbeatMessage) []byte {
	buf := make([]byte, 0, 16+3+16+2+4+2+len(m.Devices)*deviceWireSize)
	return AppendMessage(buf, m)
}

// AppendMessage appends the encoding of m to buf.
func AppendMessage(buf []byte, m *HeartbeatMessage) []byte {
	buf = append(buf, m.ClientID[:]...)
	buf = wire.AppendU8(buf, m.System.CPUUsage)
	buf = wire.AppendU8(buf, m.System.MemoryUsage)
	buf = wire.AppendU8(buf, m.System.DiskUsage)
	buf = wire.AppendU64(buf, m.System.NetworkRx)
	buf = wire.AppendU64(buf, m.System.NetworkTx)
	buf = wire.AppendU16(buf, m.DeviceCount)
	buf = wire.AppendU32(buf, m.TotalTFLOPS)
	buf = wire.AppendU16(buf, uint16(len(m.Devices)))
	for i := range m.Devices {
		d := &m.Devices[i]
		buf = wire.AppendU16(buf, d.Index)
		buf = wire.AppendU32(buf, d.DeviceID)
		buf = wire.AppendU32(buf, d.VendorID)
		buf = wire.AppendU8(buf, d.Usage)
		buf = wire.AppendU8(buf, d.MemoryUsage)
		buf = wire.AppendU32(buf, d.PowerUsage)
		buf = wire.AppendU32(buf, d.Temperature)
		buf = wire.AppendU64(buf, d.MemorySize)
	}
	return buf
}

// Unmarshal decodes a heartbeat produced by Marshal. Any error wraps ErrDecode.
func Unmarshal(b []byte) (*HeartbeatMessage, error) {
	r := wire.NewReader(b)
	m, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}

// ReadMessage decodes one heartbeat from r, leaving the cursor after it.
func ReadMessage(r *wire.Reader) (*HeartbeatMessage, error) {
	var m HeartbeatMessage
	r.Fixed(m.ClientID[:])
	m.System.CPUUsage = r.U8()
	m.System.MemoryUsage = r.U8()
	m.System.DiskUsage = r.U8()
	m.System.NetworkRx = r.U64()
	m.System.NetworkTx = r.U64()
	m.DeviceCount = r.U16()
	m.TotalTFLOPS = r.U32()
	n := int(r.U16())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if n > MaxDevices {
		return nil, fmt.Errorf("%w: %d devices exceeds limit %d", ErrDecode, n, MaxDevices)
	}
	if n > 0 {
		m.Devices = make([]DeviceInfo, n)
	}
	for i := 0; i < n; i++ {
		d := &m.Devices[i]
		d.Index = r.U16()
		d.DeviceID = r.U32()
		d.VendorID = r.U32()
		d.Usage = r.U8()
		d.MemoryUsage = r.U8()
		d.PowerUsage = r.U32()
		d.Temperature = r.U32()
		d.MemorySize = r.U64()
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &m, nil
}

// Validate checks the ranges the binary layout cannot express.
func (m *HeartbeatMessage) Validate() error {
	if m.System.CPUUsage > 100 || m.System.MemoryUsage > 100 || m.System.DiskUsage > 100 {
		return fmt.Errorf("system usage out of range: cpu=%d mem=%d disk=%d",
			m.System.CPUUsage, m.System.MemoryUsage, m.System.DiskUsage)
	}
	seen := make(map[uint16]struct{}, len(m.Devices))
	for _, d := range m.Devices {
		if d.Usage > 100 || d.MemoryUsage > 100 {
			return fmt.Errorf("device %d usage out of range", d.Index)
		}
		if _, dup := seen[d.Index]; dup {
			return fmt.Errorf("duplicate device index %d", d.Index)
		}
		seen[d.Index] = struct{}{}
	}
	return nil
}
