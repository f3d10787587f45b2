package ports

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

// RawValue is one unscaled sensor value from a batched read. Err marks the
// sensor invalid without failing the rest of the batch.
type RawValue struct {
	Name  string
	Value float64
	Err   error
}

// Driver speaks one field-bus protocol to one device.
//
// Read returns an error wrapping domain.ErrConnection when the transport is
// gone; any other error is treated as a read fault on a live connection.
type Driver interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, sensors map[string]domain.SensorConfig) ([]RawValue, error)
	Close() error
}

// HealthSource reports the adapter state of a device.
type HealthSource interface {
	Health(deviceID string) (domain.DeviceHealth, error)
}
