package ports

import "github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"

const (
	MetricEventsReceived    = "contextedge_events_received_total"
	MetricEventsDebounced   = "contextedge_events_debounced_total"
	MetricRecordsEmitted    = "contextedge_records_emitted_total"
	MetricRecordsUnscored   = "contextedge_records_unscored_total"
	MetricPersistenceFailed = "contextedge_persistence_failures_total"
	MetricContextMisses     = "contextedge_context_misses_total"
	MetricContextFailures   = "contextedge_context_unavailable_total"
	MetricFeedbackHigh      = "contextedge_feedback_high_total"
	MetricFeedbackNormal    = "contextedge_feedback_normal_total"
	MetricFeedbackRetries   = "contextedge_feedback_retries_total"
	MetricFeedbackDropped   = "contextedge_feedback_dropped_total"
	MetricDeviceReads       = "contextedge_device_reads_total"
	MetricDeviceReadErrors  = "contextedge_device_read_errors_total"
	MetricReconnects        = "contextedge_device_reconnects_total"

	MetricFusionLatency = "contextedge_fusion_latency_seconds"
	MetricReadLatency   = "contextedge_device_read_latency_seconds"

	MetricOutboxLength    = "contextedge_outbox_length"
	MetricOutboxWALBytes  = "contextedge_outbox_wal_size_bytes"
	MetricInFlight        = "contextedge_fusion_in_flight"
	MetricDebounceEntries = "contextedge_debounce_entries"
)

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
	SetDeviceState(deviceID string, state domain.ConnState)
}

type Field struct {
	Key   string
	Value any
}
