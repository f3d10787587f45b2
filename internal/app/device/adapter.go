// Package device runs one protocol adapter per configured device.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// ErrMaxAttempts is returned by Run when the device is marked failed.
var ErrMaxAttempts = errors.New("max connection attempts reached")

// errNonFinite marks NaN or infinite values, which PLCs report for broken
// sensors.
var errNonFinite = errors.New("non-finite value")

// Adapter keeps one device connection alive, polls it on a fixed interval
// and publishes every completed read to the snapshot store.
type Adapter struct {
	dev     domain.Device
	driver  ports.Driver
	cache   ports.SnapshotStore
	obs     ports.Observability
	backoff BackoffConfig
	now     func() time.Time

	state atomic.Int32
	// busy serializes access to the bus between the poll loop and callers.
	busy chan struct{}
	lost chan struct{}

	mu          sync.Mutex
	failures    int
	lastSuccess time.Time
	lastErr     string
}

func NewAdapter(dev domain.Device, driver ports.Driver, cache ports.SnapshotStore, obs ports.Observability, bo BackoffConfig) *Adapter {
	if dev.PollInterval <= 0 {
		dev.PollInterval = time.Second
	}
	if dev.ReadTimeout <= 0 {
		dev.ReadTimeout = time.Second
	}
	a := &Adapter{
		dev:     dev,
		driver:  driver,
		cache:   cache,
		obs:     obs,
		backoff: bo.withDefaults(),
		now:     time.Now,
		busy:    make(chan struct{}, 1),
		lost:    make(chan struct{}, 1),
	}
	a.setState(domain.StateDisconnected)
	return a
}

func (a *Adapter) ID() string { return a.dev.ID }

func (a *Adapter) State() domain.ConnState { return domain.ConnState(a.state.Load()) }

func (a *Adapter) setState(s domain.ConnState) {
	if domain.ConnState(a.state.Swap(int32(s))) != s {
		a.obs.SetDeviceState(a.dev.ID, s)
	}
}

// transition moves between serving states only, so a read finishing late
// cannot resurrect a connection the loop already tore down.
func (a *Adapter) transition(to domain.ConnState) {
	for {
		cur := domain.ConnState(a.state.Load())
		if !cur.Serving() || cur == to {
			return
		}
		if a.state.CompareAndSwap(int32(cur), int32(to)) {
			a.obs.SetDeviceState(a.dev.ID, to)
			if to == domain.StateDegraded {
				a.obs.LogWarn("device_degraded", ports.Field{Key: "device", Value: a.dev.ID})
			}
			return
		}
	}
}

func (a *Adapter) Health() domain.DeviceHealth {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.DeviceHealth{
		DeviceID:            a.dev.ID,
		Protocol:            a.dev.Protocol,
		State:               a.State(),
		ConsecutiveFailures: a.failures,
		LastSuccess:         a.lastSuccess,
		LastError:           a.lastErr,
	}
}

func (a *Adapter) recordError(err error) {
	a.mu.Lock()
	a.lastErr = err.Error()
	a.mu.Unlock()
}

// Run connects and polls until ctx is cancelled or the device exhausts its
// connection attempts. The driver is closed on return.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.driver.Close()

	a.mu.Lock()
	a.failures = 0
	a.mu.Unlock()

	bo := a.backoff.newBackOff()
	for {
		if ctx.Err() != nil {
			a.setState(domain.StateDisconnected)
			return nil
		}

		a.setState(domain.StateConnecting)
		if err := a.connect(ctx); err != nil {
			if ctx.Err() != nil {
				a.setState(domain.StateDisconnected)
				return nil
			}
			a.setState(domain.StateDisconnected)
			failures := a.incFailures(err)
			a.obs.IncCounter(ports.MetricReconnects, 1)
			if a.backoff.MaxAttempts > 0 && failures >= a.backoff.MaxAttempts {
				a.setState(domain.StateFailed)
				a.obs.LogCritical("device_failed", err,
					ports.Field{Key: "device", Value: a.dev.ID},
					ports.Field{Key: "attempts", Value: failures})
				return fmt.Errorf("device %s: %w", a.dev.ID, ErrMaxAttempts)
			}

			wait := bo.NextBackOff()
			a.obs.LogWarn("device_connect_failed",
				ports.Field{Key: "device", Value: a.dev.ID},
				ports.Field{Key: "attempt", Value: failures},
				ports.Field{Key: "retry_in", Value: wait.String()},
				ports.Field{Key: "error", Value: err.Error()})
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				a.setState(domain.StateDisconnected)
				return nil
			case <-timer.C:
			}
			continue
		}

		bo.Reset()
		a.mu.Lock()
		a.failures = 0
		a.mu.Unlock()
		a.drainLost()
		a.setState(domain.StateConnected)
		a.obs.LogInfo("device_connected", ports.Field{Key: "device", Value: a.dev.ID}, ports.Field{Key: "protocol", Value: string(a.dev.Protocol)})

		a.pollLoop(ctx)
		_ = a.driver.Close()
		a.setState(domain.StateDisconnected)
	}
}

func (a *Adapter) connect(ctx context.Context) error {
	timeout := 3 * a.dev.ReadTimeout
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.driver.Connect(cctx)
}

func (a *Adapter) incFailures(err error) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	a.lastErr = err.Error()
	return a.failures
}

func (a *Adapter) drainLost() {
	select {
	case <-a.lost:
	default:
	}
}

// pollLoop returns when the connection is lost or ctx is done.
func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.dev.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := a.Read(ctx); errors.Is(err, domain.ErrConnection) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.lost:
			return
		case <-ticker.C:
		}
	}
}

// Read performs one batched read of every configured sensor and publishes
// the result to the snapshot store. It returns ErrNoFreshData at once when
// the adapter is not connected, and never waits for the bus longer than the
// device read timeout.
func (a *Adapter) Read(ctx context.Context) ([]domain.SensorReading, error) {
	if !a.State().Serving() {
		return nil, domain.ErrNoFreshData
	}

	wait := time.NewTimer(a.dev.ReadTimeout)
	defer wait.Stop()
	select {
	case a.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, domain.ErrNoFreshData
	case <-wait.C:
		return nil, domain.ErrNoFreshData
	}
	defer func() { <-a.busy }()

	if !a.State().Serving() {
		return nil, domain.ErrNoFreshData
	}

	rctx, cancel := context.WithTimeout(ctx, a.dev.ReadTimeout)
	defer cancel()

	start := a.now()
	raw, err := a.driver.Read(rctx, a.dev.Sensors)
	readAt := a.now()
	a.obs.ObserveLatency(ports.MetricReadLatency, readAt.Sub(start).Seconds())

	if err != nil {
		a.recordError(err)
		a.obs.IncCounter(ports.MetricDeviceReadErrors, 1)
		if errors.Is(err, domain.ErrConnection) {
			a.markLost(err)
			return nil, err
		}
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrReadTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
		}
		raw = failAll(a.dev, err)
	}

	readings, degraded := a.toReadings(raw, readAt)
	a.cache.Update(a.dev.ID, readAt, readings)
	a.obs.IncCounter(ports.MetricDeviceReads, 1)

	if degraded {
		a.transition(domain.StateDegraded)
	} else {
		a.mu.Lock()
		a.lastSuccess = readAt
		a.lastErr = ""
		a.mu.Unlock()
		a.transition(domain.StateConnected)
	}
	return readings, err
}

func (a *Adapter) markLost(err error) {
	cur := a.State()
	if cur.Serving() && a.state.CompareAndSwap(int32(cur), int32(domain.StateDisconnected)) {
		a.obs.SetDeviceState(a.dev.ID, domain.StateDisconnected)
		a.obs.LogError("device_connection_lost", err, ports.Field{Key: "device", Value: a.dev.ID})
	}
	select {
	case a.lost <- struct{}{}:
	default:
	}
}

func failAll(dev domain.Device, err error) []ports.RawValue {
	out := make([]ports.RawValue, 0, len(dev.Sensors))
	for _, name := range dev.SensorNames() {
		out = append(out, ports.RawValue{Name: name, Err: err})
	}
	return out
}

func (a *Adapter) toReadings(raw []ports.RawValue, readAt time.Time) ([]domain.SensorReading, bool) {
	degraded := len(raw) < len(a.dev.Sensors)
	out := make([]domain.SensorReading, 0, len(raw))
	for _, rv := range raw {
		sc := a.dev.Sensors[rv.Name]
		r := domain.SensorReading{Name: rv.Name, Unit: sc.Unit, ReadAt: readAt, Valid: rv.Err == nil}
		var v float64
		if rv.Err == nil {
			v = sc.Apply(rv.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				rv.Err = errNonFinite
				r.Valid = false
			}
		}
		if rv.Err != nil {
			r.Error = rv.Err.Error()
			degraded = true
		} else {
			r.Value = v
		}
		out = append(out, r)
	}
	return out, degraded
}
