package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ClientDailyStats is one row of client_daily_stats.
type ClientDailyStats struct {
	ClientID        string
	Date            string
	TotalHeartbeats int64
	AvgCPUUsage     float64
	AvgMemoryUsage  float64
	AvgDiskUsage    float64
	NetworkInBytes  int64
	NetworkOutBytes int64
	LastBucket      int64
	UpdatedAt       time.Time
}

// DeviceDailyStats is one row of device_daily_stats.
type DeviceDailyStats struct {
	ClientID        string
	DeviceIndex     int
	Date            string
	TotalHeartbeats int64
	AvgUtilization  float64
	AvgMemoryUsage  float64
	AvgPowerUsage   float64
	AvgTemperature  float64
	LastBucket      int64
	UpdatedAt       time.Time
}

// GetClientDaily returns the aggregate row of a client for date (YYYY-MM-DD).
func (s *Store) GetClientDaily(ctx context.Context, clientID, date string) (*ClientDailyStats, error) {
	var (
		c         ClientDailyStats
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q.selectClientDaily, clientID, date).Scan(
		&c.ClientID, &c.Date, &c.TotalHeartbeats,
		&c.AvgCPUUsage, &c.AvgMemoryUsage, &c.AvgDiskUsage,
		&c.NetworkInBytes, &c.NetworkOutBytes, &c.LastBucket, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get client daily stats", err)
	}
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// ListDeviceDaily returns the device rows of a client for date, by index.
func (s *Store) ListDeviceDaily(ctx context.Context, clientID, date string) ([]DeviceDailyStats, error) {
	rows, err := s.db.QueryContext(ctx, s.q.selectDeviceDaily, clientID, date)
	if err != nil {
		return nil, wrap("list device daily stats", err)
	}
	defer rows.Close()

	var out []DeviceDailyStats
	for rows.Next() {
		var (
			d         DeviceDailyStats
			updatedAt int64
		)
		if err := rows.Scan(&d.ClientID, &d.DeviceIndex, &d.Date, &d.TotalHeartbeats,
			&d.AvgUtilization, &d.AvgMemoryUsage, &d.AvgPowerUsage, &d.AvgTemperature,
			&d.LastBucket, &updatedAt); err != nil {
			return nil, wrap("scan device daily stats", err)
		}
		d.UpdatedAt = fromMillis(updatedAt)
		out = append(out, d)
	}
	return out, wrap("list device daily stats", rows.Err())
}

// CountHeartbeats returns how many raw heartbeats are stored for clientID.
func (s *Store) CountHeartbeats(ctx context.Context, clientID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.q.countHeartbeats, clientID).Scan(&n); err != nil {
		return 0, wrap("count heartbeats", err)
	}
	return n, nil
}
