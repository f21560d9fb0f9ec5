package store

import (
	"context"
	"fmt"
)

// DeviceType is one entry of the accelerator catalog.
type DeviceType struct {
	DeviceID         uint32  `yaml:"device_id"`
	VendorID         uint32  `yaml:"vendor_id"`
	Name             string  `yaml:"name"`
	TFLOPS           float64 `yaml:"tflops"`
	PointsMultiplier float64 `yaml:"points_multiplier"`
}

// UpsertDeviceTypes inserts or replaces catalog entries in one transaction.
func (s *Store) UpsertDeviceTypes(ctx context.Context, types []DeviceType) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx, s.q.upsertDeviceType)
		if err != nil {
			return fmt.Errorf("prepare device type upsert: %w", err)
		}
		defer stmt.Close()

		for _, dt := range types {
			if _, err := stmt.ExecContext(ctx,
				int64(dt.DeviceID), int64(dt.VendorID), dt.Name, dt.TFLOPS, dt.PointsMultiplier,
			); err != nil {
				return fmt.Errorf("upsert device type %#x: %w", dt.DeviceID, err)
			}
		}
		return nil
	})
}

// LoadDeviceTypes returns the whole catalog.
func (s *Store) LoadDeviceTypes(ctx context.Context) ([]DeviceType, error) {
	rows, err := s.db.QueryContext(ctx, s.q.selectDeviceTypes)
	if err != nil {
		return nil, wrap("load device types", err)
	}
	defer rows.Close()

	var out []DeviceType
	for rows.Next() {
		var (
			dt                 DeviceType
			deviceID, vendorID int64
		)
		if err := rows.Scan(&deviceID, &vendorID, &dt.Name, &dt.TFLOPS, &dt.PointsMultiplier); err != nil {
			return nil, wrap("scan device type", err)
		}
		dt.DeviceID = uint32(deviceID)
		dt.VendorID = uint32(vendorID)
		out = append(out, dt)
	}
	return out, wrap("load device types", rows.Err())
}
