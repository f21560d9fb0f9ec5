package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// Snapshot rows hold the latest raw values per client and device. They are
// written last-write-wins by event time and carry no bucket guard.

// UpsertClientSnapshot stores the latest system sample and marks the client online.
func (t *Tx) UpsertClientSnapshot(ctx context.Context, ev *telemetry.Event) error {
	m := &ev.Message
	_, err := t.tx.ExecContext(ctx, t.s.q.upsertClientSnapshot,
		m.ClientID.String(),
		int64(m.System.CPUUsage), int64(m.System.MemoryUsage), int64(m.System.DiskUsage),
		clampU64(m.System.NetworkRx), clampU64(m.System.NetworkTx),
		int64(m.DeviceCount), int64(m.TotalTFLOPS),
		millis(ev.Timestamp), millis(t.at),
	)
	if err != nil {
		return fmt.Errorf("upsert client snapshot: %w", err)
	}
	return nil
}

// UpsertDeviceSnapshot stores the latest sample of one device.
func (t *Tx) UpsertDeviceSnapshot(ctx context.Context, ev *telemetry.Event, d *telemetry.DeviceInfo) error {
	_, err := t.tx.ExecContext(ctx, t.s.q.upsertDeviceSnapshot,
		ev.Message.ClientID.String(), int64(d.Index),
		int64(d.DeviceID), int64(d.VendorID),
		int64(d.Usage), int64(d.MemoryUsage),
		int64(d.PowerUsage), int64(d.Temperature), clampU64(d.MemorySize),
		millis(ev.Timestamp), millis(t.at),
	)
	if err != nil {
		return fmt.Errorf("upsert device %d snapshot: %w", d.Index, err)
	}
	return nil
}

// SweepStale marks clients offline whose snapshot was last written before
// cutoff. It returns how many clients changed state.
func (s *Store) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.sweepStale, millis(cutoff))
	if err != nil {
		return 0, wrap("sweep stale clients", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("sweep stale clients", err)
	}
	return n, nil
}

// ClientSnapshot is a row of client_system_info.
type ClientSnapshot struct {
	ClientID    string
	System      telemetry.SystemInfo
	DeviceCount uint16
	TotalTFLOPS uint32
	Online      bool
	LastSeen    time.Time
	UpdatedAt   time.Time
}

// GetClientSnapshot returns the latest snapshot for clientID.
func (s *Store) GetClientSnapshot(ctx context.Context, clientID string) (*ClientSnapshot, error) {
	var (
		c                   ClientSnapshot
		cpu, mem, disk      int64
		rx, tx              int64
		devices, tflops     int64
		online              int64
		lastSeen, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q.selectClientSnapshot, clientID).Scan(
		&c.ClientID, &cpu, &mem, &disk, &rx, &tx, &devices, &tflops, &online, &lastSeen, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get client snapshot", err)
	}
	c.System = telemetry.SystemInfo{
		CPUUsage:    uint8(cpu),
		MemoryUsage: uint8(mem),
		DiskUsage:   uint8(disk),
		NetworkRx:   uint64(rx),
		NetworkTx:   uint64(tx),
	}
	c.DeviceCount = uint16(devices)
	c.TotalTFLOPS = uint32(tflops)
	c.Online = online == 1
	c.LastSeen = fromMillis(lastSeen)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}
