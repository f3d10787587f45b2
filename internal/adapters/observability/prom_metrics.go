package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// PromObs logs through logrus and records metrics into a Prometheus registerer.
type PromObs struct {
	log         *logrus.Logger
	counters    map[string]prometheus.Counter
	gauges      map[string]prometheus.Gauge
	histos      map[string]prometheus.Observer
	deviceState *prometheus.GaugeVec
}

func NewPromObs(logger *logrus.Logger, reg prometheus.Registerer) *PromObs {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	p := &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricEventsReceived:    counter(ports.MetricEventsReceived, "Identifier events received."),
			ports.MetricEventsDebounced:   counter(ports.MetricEventsDebounced, "Identifier events dropped as duplicates inside the debounce window."),
			ports.MetricRecordsEmitted:    counter(ports.MetricRecordsEmitted, "Labeled records persisted."),
			ports.MetricRecordsUnscored:   counter(ports.MetricRecordsUnscored, "Labeled records emitted without a prediction."),
			ports.MetricPersistenceFailed: counter(ports.MetricPersistenceFailed, "Labeled records that failed to persist."),
			ports.MetricContextMisses:     counter(ports.MetricContextMisses, "Context lookups that found no mapping."),
			ports.MetricContextFailures:   counter(ports.MetricContextFailures, "Context lookups that gave up on an unavailable cache tier."),
			ports.MetricFeedbackHigh:      counter(ports.MetricFeedbackHigh, "High priority feedback items created."),
			ports.MetricFeedbackNormal:    counter(ports.MetricFeedbackNormal, "Normal priority feedback items created."),
			ports.MetricFeedbackRetries:   counter(ports.MetricFeedbackRetries, "Feedback enqueue attempts that failed and were retried."),
			ports.MetricFeedbackDropped:   counter(ports.MetricFeedbackDropped, "Feedback items lost to outbox backpressure."),
			ports.MetricDeviceReads:       counter(ports.MetricDeviceReads, "Completed device reads."),
			ports.MetricDeviceReadErrors:  counter(ports.MetricDeviceReadErrors, "Device reads that faulted."),
			ports.MetricReconnects:        counter(ports.MetricReconnects, "Device connection attempts after a failure."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricOutboxLength:    gauge(ports.MetricOutboxLength, "Feedback items buffered for delivery."),
			ports.MetricOutboxWALBytes:  gauge(ports.MetricOutboxWALBytes, "Size of the feedback outbox WAL on disk."),
			ports.MetricInFlight:        gauge(ports.MetricInFlight, "Fusion pipelines currently running."),
			ports.MetricDebounceEntries: gauge(ports.MetricDebounceEntries, "Identifier keys held inside an open debounce window."),
		},
		histos: map[string]prometheus.Observer{
			ports.MetricFusionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    ports.MetricFusionLatency,
				Help:    "Latency from identifier event to emitted record.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
			ports.MetricReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    ports.MetricReadLatency,
				Help:    "Latency of one batched device read.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
		},
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "contextedge_device_state",
			Help: "Adapter connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded, 4 failed, 5 disabled).",
		}, []string{"device"}),
	}

	collectors := []prometheus.Collector{p.deviceState}
	for _, c := range p.counters {
		collectors = append(collectors, c)
	}
	for _, g := range p.gauges {
		collectors = append(collectors, g)
	}
	for _, h := range p.histos {
		collectors = append(collectors, h.(prometheus.Collector))
	}
	reg.MustRegister(collectors...)

	return p
}

func (p *PromObs) entry(fields []ports.Field) *logrus.Entry {
	lf := make(logrus.Fields, len(fields))
	for _, f := range fields {
		lf[f.Key] = f.Value
	}
	return p.log.WithFields(lf)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.entry(fields).Info(msg)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.entry(fields).Warn(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).Error(msg)
}

// LogCritical marks faults that need an operator. It never exits the process.
func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).WithField("critical", true).Error(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) SetDeviceState(deviceID string, state domain.ConnState) {
	p.deviceState.WithLabelValues(deviceID).Set(float64(state))
}

var _ ports.Observability = (*PromObs)(nil)
