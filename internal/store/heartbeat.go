package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// InsertHeartbeat records the raw event. It reports false when the same
// (client, timestamp) was already stored.
func (t *Tx) InsertHeartbeat(ctx context.Context, ev *telemetry.Event) (bool, error) {
	m := &ev.Message
	res, err := t.tx.ExecContext(ctx, t.s.q.insertHeartbeat,
		m.ClientID.String(), millis(ev.Timestamp),
		int64(m.System.CPUUsage), int64(m.System.MemoryUsage), int64(m.System.DiskUsage),
		clampU64(m.System.NetworkRx), clampU64(m.System.NetworkTx),
		int64(m.DeviceCount), int64(m.TotalTFLOPS),
	)
	if err != nil {
		return false, fmt.Errorf("insert heartbeat: %w", err)
	}
	return affected(res)
}

// UpsertClientDaily folds ev into the client's row for its day. It reports
// false when bucket is not newer than the stored bucket and nothing changed.
func (t *Tx) UpsertClientDaily(ctx context.Context, ev *telemetry.Event, bucket int64) (bool, error) {
	m := &ev.Message
	res, err := t.tx.ExecContext(ctx, t.s.q.upsertClientDaily,
		m.ClientID.String(), telemetry.Day(ev.Timestamp),
		float64(m.System.CPUUsage), float64(m.System.MemoryUsage), float64(m.System.DiskUsage),
		clampU64(m.System.NetworkRx), clampU64(m.System.NetworkTx),
		bucket, millis(t.at),
	)
	if err != nil {
		return false, fmt.Errorf("upsert client daily stats: %w", err)
	}
	return affected(res)
}

// UpsertDeviceDaily folds one device sample into its row for the day, under
// the same bucket guard as UpsertClientDaily.
func (t *Tx) UpsertDeviceDaily(ctx context.Context, ev *telemetry.Event, d *telemetry.DeviceInfo, bucket int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.s.q.upsertDeviceDaily,
		ev.Message.ClientID.String(), int64(d.Index), telemetry.Day(ev.Timestamp),
		float64(d.Usage), float64(d.MemoryUsage), float64(d.PowerUsage), float64(d.Temperature),
		bucket, millis(t.at),
	)
	if err != nil {
		return false, fmt.Errorf("upsert device %d daily stats: %w", d.Index, err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
