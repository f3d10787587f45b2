package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// DriverFactory builds the protocol driver for a device. It returns an error
// wrapping domain.ErrConfig for malformed register maps.
type DriverFactory func(domain.Device) (ports.Driver, error)

type entry struct {
	adapter  *Adapter
	cancel   context.CancelFunc
	done     chan struct{}
	disabled bool
}

func (e *entry) running() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Manager owns the adapters of every configured device. Each adapter runs in
// its own goroutine with private backoff state.
type Manager struct {
	cache ports.SnapshotStore
	obs   ports.Observability

	mu      sync.RWMutex
	parent  context.Context
	entries map[string]*entry
}

func NewManager(devices []domain.Device, factory DriverFactory, cache ports.SnapshotStore, obs ports.Observability, bo BackoffConfig) (*Manager, error) {
	m := &Manager{
		cache:   cache,
		obs:     obs,
		entries: make(map[string]*entry, len(devices)),
	}

	var errs []error
	for _, dev := range devices {
		if _, dup := m.entries[dev.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate device id %q", domain.ErrConfig, dev.ID))
			continue
		}
		drv, err := factory(dev)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", dev.ID, err))
			continue
		}
		e := &entry{adapter: NewAdapter(dev, drv, cache, obs, bo), disabled: dev.Disabled}
		if dev.Disabled {
			e.adapter.setState(domain.StateDisabled)
		}
		m.entries[dev.ID] = e
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// Start launches every enabled adapter. Adapters stop when ctx is cancelled
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parent = ctx
	for _, e := range m.entries {
		if !e.disabled {
			m.launchLocked(e)
		}
	}
}

func (m *Manager) launchLocked(e *entry) {
	parent := m.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done

	go func(a *Adapter) {
		defer close(done)
		if err := a.Run(ctx); err != nil {
			m.obs.LogError("device_adapter_stopped", err, ports.Field{Key: "device", Value: a.ID()})
		}
	}(e.adapter)
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	return e, nil
}

// Enable re-arms a failed or disabled device.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	if e.running() {
		return nil
	}
	e.disabled = false
	e.adapter.setState(domain.StateDisconnected)
	m.launchLocked(e)
	m.obs.LogInfo("device_enabled", ports.Field{Key: "device", Value: id})
	return nil
}

// Disable cancels the adapter's outstanding work and closes its connection.
// The last snapshot stays readable.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	e.disabled = true
	cancel, done := e.cancel, e.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.adapter.setState(domain.StateDisabled)
	m.obs.LogInfo("device_disabled", ports.Field{Key: "device", Value: id})
	return nil
}

// Remove disables the device and forgets it along with its snapshot.
func (m *Manager) Remove(id string) error {
	if err := m.Disable(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.cache.Remove(id)
	return nil
}

func (m *Manager) Health(id string) (domain.DeviceHealth, error) {
	e, err := m.get(id)
	if err != nil {
		return domain.DeviceHealth{DeviceID: id}, err
	}
	return e.adapter.Health(), nil
}

func (m *Manager) List() []domain.DeviceHealth {
	m.mu.RLock()
	out := make([]domain.DeviceHealth, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.adapter.Health())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Read performs an on-demand read outside the poll schedule.
func (m *Manager) Read(ctx context.Context, id string) ([]domain.SensorReading, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.adapter.Read(ctx)
}

// Stop cancels every adapter and waits for their connections to close.
func (m *Manager) Stop() error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, e := range entries {
		m.mu.RLock()
		cancel, done := e.cancel, e.done
		m.mu.RUnlock()
		if cancel == nil {
			continue
		}
		g.Go(func() error {
			cancel()
			<-done
			return nil
		})
	}
	return g.Wait()
}

var _ ports.HealthSource = (*Manager)(nil)
