package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DeviceDay is the input of the points projection: one device's heartbeat
// count for one day, with the device id from its latest snapshot.
type DeviceDay struct {
	ClientID        string
	DeviceIndex     int
	Date            string
	TotalHeartbeats int64
	DeviceID        uint32
}

// DevicePoints is one row of the points projection.
type DevicePoints struct {
	ClientID        string
	DeviceIndex     int
	Date            string
	DeviceID        uint32
	DeviceName      string
	TotalHeartbeats int64
	BaseHours       float64
	Multiplier      float64
	Points          float64
}

// ReadDeviceDays reads every device-day inside one consistent snapshot, so
// batches committing meanwhile are either fully in or fully out.
func (s *Store) ReadDeviceDays(ctx context.Context) ([]DeviceDay, error) {
	var out []DeviceDay
	err := s.readSnapshot(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q.selectDeviceDays)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				d        DeviceDay
				deviceID int64
			)
			if err := rows.Scan(&d.ClientID, &d.DeviceIndex, &d.Date, &d.TotalHeartbeats, &deviceID); err != nil {
				return err
			}
			d.DeviceID = uint32(deviceID)
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplacePoints swaps the whole projection for rows in one transaction.
func (s *Store) ReplacePoints(ctx context.Context, rows []DevicePoints) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, s.q.deletePoints); err != nil {
			return fmt.Errorf("clear points: %w", err)
		}
		stmt, err := tx.tx.PrepareContext(ctx, s.q.insertPoints)
		if err != nil {
			return fmt.Errorf("prepare points insert: %w", err)
		}
		defer stmt.Close()

		at := millis(tx.at)
		for _, p := range rows {
			if _, err := stmt.ExecContext(ctx,
				p.ClientID, p.DeviceIndex, p.Date, int64(p.DeviceID), p.DeviceName,
				p.TotalHeartbeats, p.BaseHours, p.Multiplier, p.Points, at,
			); err != nil {
				return fmt.Errorf("insert points for %s/%d/%s: %w", p.ClientID, p.DeviceIndex, p.Date, err)
			}
		}
		return nil
	})
}

// PointsByDate returns the projection rows for one day.
func (s *Store) PointsByDate(ctx context.Context, date string) ([]DevicePoints, error) {
	rows, err := s.db.QueryContext(ctx, s.q.selectPointsByDate, date)
	if err != nil {
		return nil, wrap("query points", err)
	}
	defer rows.Close()

	var out []DevicePoints
	for rows.Next() {
		var (
			p        DevicePoints
			deviceID int64
		)
		if err := rows.Scan(&p.ClientID, &p.DeviceIndex, &p.Date, &deviceID, &p.DeviceName,
			&p.TotalHeartbeats, &p.BaseHours, &p.Multiplier, &p.Points); err != nil {
			return nil, wrap("scan points", err)
		}
		p.DeviceID = uint32(deviceID)
		out = append(out, p)
	}
	return out, wrap("query points", rows.Err())
}
