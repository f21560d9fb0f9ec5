package points

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"github.com/rs/zerolog"
)

// DefaultMultiplier applies to devices missing from the catalog.
const DefaultMultiplier = 1.0

// Snapshot is an immutable view of the device-type catalog.
type Snapshot struct {
	types    map[uint32]store.DeviceType
	loadedAt time.Time
}

// NewSnapshot indexes types by device id. Later entries win.
func NewSnapshot(types []store.DeviceType) *Snapshot {
	s := &Snapshot{types: make(map[uint32]store.DeviceType, len(types)), loadedAt: time.Now()}
	for _, dt := range types {
		s.types[dt.DeviceID] = dt
	}
	return s
}

// Lookup returns the catalog entry of a device id.
func (s *Snapshot) Lookup(deviceID uint32) (store.DeviceType, bool) {
	if s == nil {
		return store.DeviceType{}, false
	}
	dt, ok := s.types[deviceID]
	return dt, ok
}

// Multiplier returns the points multiplier of a device id, or
// DefaultMultiplier when the device is unknown or has no positive multiplier.
func (s *Snapshot) Multiplier(deviceID uint32) float64 {
	dt, ok := s.Lookup(deviceID)
	if !ok || dt.PointsMultiplier <= 0 {
		return DefaultMultiplier
	}
	return dt.PointsMultiplier
}

// Len returns the number of device types.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.types)
}

// Loader reads the catalog from storage.
type Loader interface {
	LoadDeviceTypes(ctx context.Context) ([]store.DeviceType, error)
}

// Catalog holds the current snapshot. Readers never block; Refresh swaps in
// a new snapshot atomically.
type Catalog struct {
	loader  Loader
	current atomic.Pointer[Snapshot]
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewCatalog creates a catalog that starts empty until the first Refresh.
func NewCatalog(loader Loader, log zerolog.Logger, m *observability.Metrics) *Catalog {
	if m == nil {
		m = observability.Discard()
	}
	c := &Catalog{loader: loader, log: log, metrics: m}
	c.current.Store(NewSnapshot(nil))
	return c
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Multiplier is shorthand for Snapshot().Multiplier.
func (c *Catalog) Multiplier(deviceID uint32) float64 {
	return c.Snapshot().Multiplier(deviceID)
}

// Refresh reloads the catalog. On error the previous snapshot stays.
func (c *Catalog) Refresh(ctx context.Context) error {
	types, err := c.loader.LoadDeviceTypes(ctx)
	if err != nil {
		return err
	}
	snap := NewSnapshot(types)
	c.current.Store(snap)
	c.metrics.CatalogSize.Set(float64(snap.Len()))
	c.log.Debug().Int("device_types", snap.Len()).Msg("catalog refreshed")
	return nil
}

// Run refreshes every interval until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("catalog refresh failed, keeping previous snapshot")
			}
		}
	}
}
