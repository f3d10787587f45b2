package ports

import (
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

// SnapshotStore holds the latest readings per device. Update is called by the
// owning adapter only; Get never blocks on protocol I/O.
type SnapshotStore interface {
	Update(deviceID string, readAt time.Time, readings []domain.SensorReading) bool
	Get(deviceID string) domain.SensorSnapshot
	Remove(deviceID string)
}
