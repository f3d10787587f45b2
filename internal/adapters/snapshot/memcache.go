// Package snapshot holds the latest sensor readings per device in memory.
package snapshot

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

type cell struct {
	snap atomic.Pointer[domain.SensorSnapshot]
}

// Cache keeps one atomically swapped snapshot per device. Published snapshots
// are never mutated, so readers need no lock beyond the cell lookup.
type Cache struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

func NewCache() *Cache {
	return &Cache{cells: make(map[string]*cell)}
}

func (c *Cache) cellFor(deviceID string) *cell {
	c.mu.RLock()
	cl, ok := c.cells[deviceID]
	c.mu.RUnlock()
	if ok {
		return cl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok = c.cells[deviceID]; !ok {
		cl = &cell{}
		c.cells[deviceID] = cl
	}
	return cl
}

// Update merges a completed read into the device snapshot. It returns false
// without applying anything when readAt is not newer than the last applied
// read, so a slow read never overwrites a newer one.
func (c *Cache) Update(deviceID string, readAt time.Time, readings []domain.SensorReading) bool {
	cl := c.cellFor(deviceID)
	for {
		old := cl.snap.Load()
		if old != nil && !readAt.After(old.UpdatedAt) {
			return false
		}
		next := merge(old, deviceID, readAt, readings)
		if cl.snap.CompareAndSwap(old, next) {
			return true
		}
	}
}

func merge(old *domain.SensorSnapshot, deviceID string, readAt time.Time, readings []domain.SensorReading) *domain.SensorSnapshot {
	next := &domain.SensorSnapshot{
		DeviceID:  deviceID,
		UpdatedAt: readAt,
		Readings:  make(map[string]domain.SensorReading, len(readings)),
	}
	if old != nil {
		for k, v := range old.Readings {
			next.Readings[k] = v
		}
	}

	for _, r := range readings {
		if r.ReadAt.IsZero() {
			r.ReadAt = readAt
		}
		if r.Valid {
			r.Stale = false
			next.Readings[r.Name] = r
			continue
		}
		// keep the last good value, flagged stale
		if prev, ok := next.Readings[r.Name]; ok && prev.Valid {
			prev.Stale = true
			prev.Error = r.Error
			next.Readings[r.Name] = prev
			continue
		}
		next.Readings[r.Name] = r
	}
	return next
}

// Get returns a copy of whatever is held for the device, possibly empty.
func (c *Cache) Get(deviceID string) domain.SensorSnapshot {
	c.mu.RLock()
	cl, ok := c.cells[deviceID]
	c.mu.RUnlock()
	if !ok {
		return domain.SensorSnapshot{DeviceID: deviceID}
	}
	snap := cl.snap.Load()
	if snap == nil {
		return domain.SensorSnapshot{DeviceID: deviceID}
	}
	return snap.Clone()
}

func (c *Cache) Remove(deviceID string) {
	c.mu.Lock()
	delete(c.cells, deviceID)
	c.mu.Unlock()
}

func (c *Cache) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.cells))
	for id := range c.cells {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ ports.SnapshotStore = (*Cache)(nil)
