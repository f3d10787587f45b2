package domain

import "time"

// SensorReading is one named value read from one device. Value is post-scaling.
type SensorReading struct {
	Name   string    `json:"name"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	ReadAt time.Time `json:"read_at"`
	Valid  bool      `json:"valid"`
	// Stale is set when the latest attempt failed and Value is the last good one.
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

// SensorSnapshot maps sensor name to the latest reading for one device.
type SensorSnapshot struct {
	DeviceID  string                   `json:"device_id"`
	UpdatedAt time.Time                `json:"updated_at"`
	Readings  map[string]SensorReading `json:"readings"`
}

func (s SensorSnapshot) Empty() bool { return len(s.Readings) == 0 }

// Age is now minus the read timestamp of the oldest reading. An empty
// snapshot has no age and reports ok=false.
func (s SensorSnapshot) Age(now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, r := range s.Readings {
		if r.ReadAt.IsZero() {
			continue
		}
		if oldest.IsZero() || r.ReadAt.Before(oldest) {
			oldest = r.ReadAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return now.Sub(oldest), true
}

// Degraded reports whether any reading is invalid or stale.
func (s SensorSnapshot) Degraded() bool {
	for _, r := range s.Readings {
		if !r.Valid || r.Stale {
			return true
		}
	}
	return false
}

// Values returns the usable values. Stale values are included, invalid ones are not.
func (s SensorSnapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(s.Readings))
	for name, r := range s.Readings {
		if r.Valid {
			out[name] = r.Value
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s SensorSnapshot) Clone() SensorSnapshot {
	out := SensorSnapshot{DeviceID: s.DeviceID, UpdatedAt: s.UpdatedAt}
	if s.Readings != nil {
		out.Readings = make(map[string]SensorReading, len(s.Readings))
		for k, v := range s.Readings {
			out.Readings[k] = v
		}
	}
	return out
}
