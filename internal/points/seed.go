package points

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"gopkg.in/yaml.v3"
)

//go:embed device_types.yaml
var defaultCatalog []byte

// ErrInvalidCatalog is returned for catalog files that fail validation.
var ErrInvalidCatalog = errors.New("invalid device type catalog")

type catalogFile struct {
	DeviceTypes []store.DeviceType `yaml:"device_types"`
}

// DefaultDeviceTypes returns the built-in catalog.
func DefaultDeviceTypes() ([]store.DeviceType, error) {
	return ParseDeviceTypes(defaultCatalog)
}

// LoadDeviceTypesFile reads a catalog file. An empty path returns the
// built-in catalog.
func LoadDeviceTypesFile(path string) ([]store.DeviceType, error) {
	if path == "" {
		return DefaultDeviceTypes()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read device types %s: %w", path, err)
	}
	types, err := ParseDeviceTypes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return types, nil
}

// ParseDeviceTypes decodes and validates a catalog document.
func ParseDeviceTypes(data []byte) ([]store.DeviceType, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	seen := make(map[uint32]bool, len(f.DeviceTypes))
	for i, dt := range f.DeviceTypes {
		switch {
		case dt.DeviceID == 0:
			return nil, fmt.Errorf("%w: entry %d has no device_id", ErrInvalidCatalog, i)
		case dt.Name == "":
			return nil, fmt.Errorf("%w: device %#x has no name", ErrInvalidCatalog, dt.DeviceID)
		case dt.PointsMultiplier < 0 || dt.TFLOPS < 0:
			return nil, fmt.Errorf("%w: device %#x has a negative value", ErrInvalidCatalog, dt.DeviceID)
		case seen[dt.DeviceID]:
			return nil, fmt.Errorf("%w: device %#x listed twice", ErrInvalidCatalog, dt.DeviceID)
		}
		seen[dt.DeviceID] = true
	}
	return f.DeviceTypes, nil
}
