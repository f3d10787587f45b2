package contextedge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/contextcache"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/feedback"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/httpapi"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/queue"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/snapshot"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/wal"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/config"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/device"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	bootstrapTimeout = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// EdgeRuntimeOption customizes the dependencies used by EdgeRuntime.
type EdgeRuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	logger        *logrus.Logger
	observability Observability
	registry      *prometheus.Registry
	drivers       DriverFactory
	resolver      ContextResolver
	predictor     Predictor
	records       RecordStore
	feedback      FeedbackQueue
	wal           WAL
	buffer        FeedbackBuffer
	onResult      func(Outcome)
}

// WithLogger sets the logrus logger used by the default observability backend.
func WithLogger(l *logrus.Logger) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers runtime metrics into reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithDriverFactory replaces the bundled protocol drivers (simulators, custom buses).
func WithDriverFactory(f DriverFactory) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.drivers = f
	}
}

// WithContextResolver replaces the Redis context lookup client.
func WithContextResolver(r ContextResolver) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.resolver = r
	}
}

// WithPredictor replaces the configured inference client.
func WithPredictor(p Predictor) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.predictor = p
	}
}

// WithRecordStore replaces the Postgres record store.
func WithRecordStore(s RecordStore) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.records = s
	}
}

// WithFeedbackQueue replaces the configured feedback queue backend.
func WithFeedbackQueue(q FeedbackQueue) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.feedback = q
	}
}

// WithWAL lets callers bring their own outbox WAL.
func WithWAL(w WAL) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.wal = w
	}
}

// WithFeedbackBuffer swaps the in-memory outbox buffer.
func WithFeedbackBuffer(b FeedbackBuffer) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.buffer = b
	}
}

// WithOutcomeHandler receives the outcome of every dispatched event.
func WithOutcomeHandler(fn func(Outcome)) EdgeRuntimeOption {
	return func(o *runtimeOverrides) {
		o.onResult = fn
	}
}

type closer struct {
	name string
	c    io.Closer
}

// EdgeRuntime wires adapters → snapshot cache → fusion engine → emitter →
// feedback outbox and exposes lifecycle hooks for embedding the pipeline in
// any Go service.
type EdgeRuntime struct {
	cfg      *Config
	obs      ports.Observability
	cache    *snapshot.Cache
	manager  *device.Manager
	engine   *pipeline.Engine
	outbox   *pipeline.FeedbackOutbox
	feedback ports.FeedbackQueue
	server   *httpapi.Server
	closers  []closer

	scheduler  gocron.Scheduler
	cancel     context.CancelFunc
	outboxDone chan struct{}
	serverDone chan struct{}
}

// NewEdgeRuntime bootstraps the default adapters (protocol drivers, Redis
// context lookup, HTTP or heuristic inference, Postgres records, Postgres or
// NATS feedback queue, file WAL outbox, Prometheus observability). Options
// override any dependency.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (rt *EdgeRuntime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	e := &EdgeRuntime{cfg: cfg, cache: snapshot.NewCache()}
	defer func() {
		if err != nil {
			_ = e.closeAll()
		}
	}()

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	e.obs = o.observability
	if e.obs == nil {
		e.obs = observability.NewPromObs(o.logger, reg)
	}

	resolver := o.resolver
	if resolver == nil {
		r, err := contextcache.NewResolver(cfg.Redis, e.obs)
		if err != nil {
			return nil, err
		}
		e.track("redis", r)
		resolver = r
	}

	predictor := o.predictor
	if predictor == nil {
		if predictor, err = newPredictor(cfg.Inference, e.obs); err != nil {
			return nil, err
		}
	}

	records, fq := o.records, o.feedback
	if records == nil || (fq == nil && cfg.Feedback.Backend == config.BackendPostgres) {
		db, err := store.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		e.track("postgres", db)
		if cfg.Postgres.Migrate {
			if err := store.Migrate(db.DB); err != nil {
				return nil, err
			}
		}
		if records == nil {
			records = store.NewRecordStore(db)
		}
		if fq == nil {
			fq = store.NewFeedbackQueue(db)
		}
	}
	if fq == nil {
		kv, err := feedback.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, err
		}
		e.track("nats", kv)
		fq = kv
	}
	e.feedback = fq

	w := o.wal
	if w == nil {
		fw, err := wal.NewFileWAL(cfg.Outbox.WALDir)
		if err != nil {
			return nil, err
		}
		e.track("wal", fw)
		w = fw
	}
	buf := o.buffer
	if buf == nil {
		buf = queue.NewMemQueue(cfg.Outbox.Policy.MaxQueueLen)
	}
	e.outbox = pipeline.NewFeedbackOutbox(w, buf, fq, cfg.Outbox.Policy, pipeline.OutboxConfig{Retry: cfg.Outbox.Retry}, e.obs)

	emitter, err := pipeline.NewEmitter(records, e.outbox, cfg.Emitter.Thresholds(), e.obs)
	if err != nil {
		return nil, err
	}

	factory := o.drivers
	if factory == nil {
		factory = DefaultDriverFactory
	}
	if e.manager, err = device.NewManager(cfg.Devices, factory, e.cache, e.obs, cfg.Backoff); err != nil {
		return nil, err
	}

	e.engine = pipeline.NewEngine(cfg.Fusion, resolver, e.cache, e.manager, predictor, emitter, e.obs)
	if o.onResult != nil {
		e.engine.OnResult(o.onResult)
	}

	deps := httpapi.Deps{
		Events:    e.engine,
		Devices:   e.manager,
		Snapshots: e.cache,
		Feedback:  fq,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if rs, ok := resolver.(httpapi.RuntimeScanner); ok {
		deps.Runtime = rs
	}
	e.server = httpapi.NewServer(httpapi.Config{Addr: cfg.HTTP.Addr}, deps, e.obs)
	return e, nil
}

func newPredictor(cfg inference.Config, obs ports.Observability) (ports.Predictor, error) {
	if cfg.Endpoint == "" {
		obs.LogInfo("inference_heuristic_fallback", ports.Field{Key: "model_version", Value: inference.HeuristicVersion})
		return inference.Heuristic{}, nil
	}
	return inference.NewHTTPClient(cfg, obs)
}

func (e *EdgeRuntime) track(name string, c io.Closer) {
	e.closers = append(e.closers, closer{name: name, c: c})
}

// Start replays the outbox, launches device adapters, the outbox loop, the
// gauge scheduler and the HTTP API. It returns immediately; call Run to block
// on a context instead.
func (e *EdgeRuntime) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("edge runtime is nil")
	}
	if e.cancel != nil {
		return fmt.Errorf("edge runtime already started")
	}
	if err := e.outbox.Replay(); err != nil {
		return fmt.Errorf("replay feedback outbox: %w", err)
	}

	// components stop in Shutdown order, not when the caller's ctx ends
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	scheduler, err := e.newScheduler()
	if err != nil {
		cancel()
		return err
	}
	e.scheduler = scheduler

	e.manager.Start(runCtx)

	e.outboxDone = make(chan struct{})
	go func() {
		defer close(e.outboxDone)
		if err := e.outbox.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.obs.LogError("feedback_outbox_stopped", err)
		}
	}()

	e.serverDone = make(chan struct{})
	go func() {
		defer close(e.serverDone)
		if err := e.server.Start(); err != nil {
			e.obs.LogError("http_server_exited", err)
		}
	}()

	e.scheduler.Start()
	e.obs.LogInfo("edge_runtime_started",
		ports.Field{Key: "devices", Value: len(e.cfg.Devices)},
		ports.Field{Key: "feedback_backend", Value: e.cfg.Feedback.Backend},
		ports.Field{Key: "http_addr", Value: e.cfg.HTTP.Addr})
	return nil
}

func (e *EdgeRuntime) newScheduler() (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	interval := e.cfg.Metrics.GaugeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(e.recordResourceGauges),
		gocron.WithName("resource-gauges"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(e.sweepDebounce),
		gocron.WithName("debounce-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *EdgeRuntime) recordResourceGauges() {
	stats := e.outbox.Stats()
	e.obs.SetGauge(ports.MetricOutboxWALBytes, float64(stats.SizeBytes))
	e.obs.SetGauge(ports.MetricOutboxLength, float64(e.outbox.Len()))
}

func (e *EdgeRuntime) sweepDebounce() {
	n := e.engine.Debouncer().Sweep(time.Now())
	e.obs.SetGauge(ports.MetricDebounceEntries, float64(n))
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down
// gracefully.
func (e *EdgeRuntime) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown stops ingress, lets in-flight events finish, stops the device
// adapters, drains the feedback outbox and closes every connection.
func (e *EdgeRuntime) Shutdown(ctx context.Context) error {
	var errs []error

	if e.serverDone != nil {
		if err := e.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if e.scheduler != nil {
		if err := e.scheduler.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.engine.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for in-flight events: %w", err))
	}
	if err := e.manager.Stop(); err != nil {
		errs = append(errs, err)
	}

	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.outboxDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if err := e.outbox.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain feedback outbox: %w", err))
		}
	}

	if err := e.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *EdgeRuntime) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.closers[i].name, err))
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Submit runs one identifier event synchronously.
func (e *EdgeRuntime) Submit(ctx context.Context, ev IdentifierEvent) (Outcome, error) {
	return e.engine.Submit(ctx, ev)
}

// Dispatch runs one identifier event in the background; its outcome goes to
// the handler installed with WithOutcomeHandler.
func (e *EdgeRuntime) Dispatch(ctx context.Context, ev IdentifierEvent) error {
	return e.engine.Dispatch(ctx, ev)
}

func (e *EdgeRuntime) Devices() []DeviceHealth { return e.manager.List() }

func (e *EdgeRuntime) Health(id string) (DeviceHealth, error) { return e.manager.Health(id) }

func (e *EdgeRuntime) EnableDevice(id string) error { return e.manager.Enable(id) }

func (e *EdgeRuntime) DisableDevice(id string) error { return e.manager.Disable(id) }

// ReadDevice performs an on-demand read against a connected device.
func (e *EdgeRuntime) ReadDevice(ctx context.Context, id string) ([]SensorReading, error) {
	return e.manager.Read(ctx, id)
}

func (e *EdgeRuntime) Snapshot(deviceID string) SensorSnapshot { return e.cache.Get(deviceID) }

func (e *EdgeRuntime) PendingFeedback(ctx context.Context, limit int) ([]FeedbackItem, error) {
	return e.feedback.ListPending(ctx, limit)
}

func (e *EdgeRuntime) ResolveFeedback(ctx context.Context, recordID string, r Resolution) (FeedbackItem, error) {
	return e.feedback.Resolve(ctx, recordID, r)
}

// OutboxStats reports the feedback outbox WAL and buffer depth.
func (e *EdgeRuntime) OutboxStats() (WALStats, int) { return e.outbox.Stats(), e.outbox.Len() }

// Handler exposes the admin API for mounting in another server or tests.
func (e *EdgeRuntime) Handler() http.Handler { return e.server.Handler() }
