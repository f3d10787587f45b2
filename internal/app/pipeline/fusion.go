package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// Outcome is the result of one identifier event.
type Outcome struct {
	Event     domain.IdentifierEvent `json:"event"`
	Record    domain.LabeledRecord   `json:"record"`
	Feedback  *domain.FeedbackItem   `json:"feedback,omitempty"`
	Debounced bool                   `json:"debounced"`
	Err       error                  `json:"-"`
}

// Engine fuses identifier events with context and sensor data, scores them
// and emits labeled records. Every accepted event produces a record within
// the pipeline deadline, flagged where data is missing.
type Engine struct {
	cfg       FusionConfig
	resolver  ports.ContextResolver
	snapshots ports.SnapshotStore
	health    ports.HealthSource
	predictor ports.Predictor
	emitter   *Emitter
	obs       ports.Observability
	debounce  *Debouncer
	now       func() time.Time

	slots    chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight int
	onResult func(Outcome)
}

func NewEngine(cfg FusionConfig, resolver ports.ContextResolver, snapshots ports.SnapshotStore, health ports.HealthSource, predictor ports.Predictor, emitter *Emitter, obs ports.Observability) *Engine {
	cfg = cfg.WithDefaults()
	return &Engine{
		cfg:       cfg,
		resolver:  resolver,
		snapshots: snapshots,
		health:    health,
		predictor: predictor,
		emitter:   emitter,
		obs:       obs,
		debounce:  NewDebouncer(cfg.DebounceWindow),
		now:       time.Now,
		slots:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// OnResult registers a callback invoked with the outcome of every dispatched
// event. It must be set before the first Dispatch.
func (e *Engine) OnResult(fn func(Outcome)) { e.onResult = fn }

func (e *Engine) Debouncer() *Debouncer { return e.debounce }

// Submit runs the pipeline synchronously. The only errors returned are
// invalid events and persistence failures; everything else is absorbed into
// the record's flags.
func (e *Engine) Submit(ctx context.Context, ev domain.IdentifierEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{Event: ev}, fmt.Errorf("invalid event: %w", err)
	}
	e.obs.IncCounter(ports.MetricEventsReceived, 1)

	arrived := e.now()
	if !e.debounce.Allow(ev.SourceDevice, ev.Identifier, arrived) {
		e.obs.IncCounter(ports.MetricEventsDebounced, 1)
		e.obs.LogInfo("fusion_event_debounced",
			ports.Field{Key: "identifier", Value: ev.Identifier},
			ports.Field{Key: "source", Value: ev.SourceDevice})
		return Outcome{Event: ev, Debounced: true}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	fusion := e.fuse(dctx, ev)
	pred := e.score(dctx, &fusion)

	// emission must survive the pipeline deadline and caller cancellation
	ectx, ecancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EmitTimeout)
	defer ecancel()
	rec, item, err := e.emitter.Emit(ectx, fusion, pred)
	e.obs.ObserveLatency(ports.MetricFusionLatency, e.now().Sub(arrived).Seconds())

	out := Outcome{Event: ev, Record: rec, Feedback: item, Err: err}
	return out, err
}

func (e *Engine) fuse(ctx context.Context, ev domain.IdentifierEvent) domain.FusionRecord {
	rec := domain.FusionRecord{
		Identifier:   ev.Identifier,
		SourceDevice: ev.SourceDevice,
		Timestamp:    ev.Timestamp,
		CreatedAt:    e.now().UTC(),
	}

	res := e.lookup(ctx, ev.Identifier)
	rec.Context = res.Payload
	rec.Context.Identifier = ev.Identifier
	switch res.Status {
	case ports.LookupHit:
	case ports.LookupMiss:
		rec.Flags.ContextMissing = true
		rec.Context.Hit = false
		e.obs.IncCounter(ports.MetricContextMisses, 1)
	default:
		rec.Flags.ContextMissing = true
		rec.Context.Hit = false
		e.obs.IncCounter(ports.MetricContextFailures, 1)
		e.obs.LogWarn("fusion_context_unavailable",
			ports.Field{Key: "identifier", Value: ev.Identifier},
			ports.Field{Key: "error", Value: errString(res.Err)})
	}
	if ctx.Err() != nil {
		rec.Flags.DeadlineExceeded = true
	}
	if rec.Context.ResolvedAt.IsZero() {
		rec.Context.ResolvedAt = e.now().UTC()
	}

	rec.Snapshot = e.snapshots.Get(ev.SourceDevice)
	h, err := e.health.Health(ev.SourceDevice)
	if err != nil {
		h = domain.DeviceHealth{DeviceID: ev.SourceDevice, State: domain.StateDisconnected, LastError: err.Error()}
	}
	rec.Health = h
	rec.Flags.SensorsStale = e.stale(rec.Snapshot, h)
	return rec
}

// lookup retries Unavailable results on a capped backoff bounded by both the
// attempt count and ctx.
func (e *Engine) lookup(ctx context.Context, identifier string) ports.LookupResult {
	var res ports.LookupResult
	op := func() error {
		res = e.resolver.Resolve(ctx, identifier)
		if res.Status == ports.LookupUnavailable {
			if res.Err == nil {
				return domain.ErrContextUnavailable
			}
			return res.Err
		}
		return nil
	}
	attempts := uint64(e.cfg.ContextRetry.Attempts)
	b := backoff.WithContext(backoff.WithMaxRetries(e.cfg.ContextRetry.backOff(), attempts-1), ctx)
	_ = backoff.Retry(op, b)
	return res
}

func (e *Engine) stale(snap domain.SensorSnapshot, h domain.DeviceHealth) bool {
	if h.State != domain.StateConnected {
		return true
	}
	age, ok := snap.Age(e.now())
	return !ok || age > e.cfg.Freshness
}

func (e *Engine) score(ctx context.Context, rec *domain.FusionRecord) domain.Prediction {
	if ctx.Err() != nil {
		rec.Flags.DeadlineExceeded = true
		return domain.UnscoredPrediction()
	}
	p, err := e.predictor.Predict(ctx, *rec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			rec.Flags.DeadlineExceeded = true
		}
		e.obs.LogWarn("inference_unavailable",
			ports.Field{Key: "identifier", Value: rec.Identifier},
			ports.Field{Key: "error", Value: err.Error()})
		return domain.UnscoredPrediction()
	}
	return p
}

// Dispatch runs the pipeline in the background once a slot is free. It blocks
// while max_in_flight events are running and returns ctx's error if ctx ends
// first.
func (e *Engine) Dispatch(ctx context.Context, ev domain.IdentifierEvent) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.wg.Add(1)
	e.trackInFlight(1)

	go func() {
		defer func() {
			e.trackInFlight(-1)
			<-e.slots
			e.wg.Done()
		}()
		out, err := e.Submit(context.WithoutCancel(ctx), ev)
		if err != nil && !errors.Is(err, domain.ErrPersistence) {
			e.obs.LogError("fusion_event_rejected", err, ports.Field{Key: "identifier", Value: ev.Identifier})
		}
		if e.onResult != nil {
			e.onResult(out)
		}
	}()
	return nil
}

func (e *Engine) trackInFlight(delta int) {
	e.mu.Lock()
	e.inFlight += delta
	n := e.inFlight
	e.mu.Unlock()
	e.obs.SetGauge(ports.MetricInFlight, float64(n))
}

// Wait blocks until every dispatched event has been emitted or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
