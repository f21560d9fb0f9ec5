// Package points derives the daily points projection from device statistics.
//
// Every recomputation rebuilds the whole projection from the aggregates, so
// the result never depends on when or how often it ran.
package points

import (
	"github.com/aceteam-ai/citadel-fabric/internal/store"
)

// UnknownDevice names devices missing from the catalog.
const UnknownDevice = "unknown"

// Compute converts a heartbeat count into hours of service and points.
// Each heartbeat stands for intervalSeconds of uptime.
func Compute(totalHeartbeats int64, intervalSeconds, multiplier float64) (baseHours, points float64) {
	baseHours = float64(totalHeartbeats) * intervalSeconds / 3600
	return baseHours, baseHours * multiplier
}

// Project computes one projection row per device-day.
func Project(days []store.DeviceDay, cat *Snapshot, intervalSeconds float64) []store.DevicePoints {
	out := make([]store.DevicePoints, 0, len(days))
	for _, d := range days {
		mult := cat.Multiplier(d.DeviceID)
		name := UnknownDevice
		if dt, ok := cat.Lookup(d.DeviceID); ok {
			name = dt.Name
		}
		base, pts := Compute(d.TotalHeartbeats, intervalSeconds, mult)
		out = append(out, store.DevicePoints{
			ClientID:        d.ClientID,
			DeviceIndex:     d.DeviceIndex,
			Date:            d.Date,
			DeviceID:        d.DeviceID,
			DeviceName:      name,
			TotalHeartbeats: d.TotalHeartbeats,
			BaseHours:       base,
			Multiplier:      mult,
			Points:          pts,
		})
	}
	return out
}
