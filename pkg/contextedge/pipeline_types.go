package contextedge

import (
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/device"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// IdentifierEvent is a scanned identifier (barcode, QR, RFID) from a source device.
type IdentifierEvent = domain.IdentifierEvent

// Outcome is what the fusion pipeline produced for one event.
type Outcome = pipeline.Outcome

type (
	Device          = domain.Device
	SensorConfig    = domain.SensorConfig
	DeviceHealth    = domain.DeviceHealth
	ConnState       = domain.ConnState
	SensorReading   = domain.SensorReading
	SensorSnapshot  = domain.SensorSnapshot
	ContextPayload  = domain.ContextPayload
	FusionRecord    = domain.FusionRecord
	Prediction      = domain.Prediction
	LabeledRecord   = domain.LabeledRecord
	FeedbackItem    = domain.FeedbackItem
	Resolution      = domain.Resolution
	ProtocolKind    = domain.ProtocolKind
	LookupResult    = ports.LookupResult
	RawValue        = ports.RawValue
	DriverFactory   = device.DriverFactory
	Field           = ports.Field
	WALStats        = ports.WALStats
	WALEntryID      = ports.WALEntryID
	QueuedFeedback  = ports.QueuedFeedback
	FeedbackBuffer  = ports.FeedbackBuffer
	ContextResolver = ports.ContextResolver
)

// Driver speaks one field-bus protocol to one device.
type Driver = ports.Driver

// Predictor scores fusion records.
type Predictor = ports.Predictor

// RecordStore persists labeled records, append-only.
type RecordStore = ports.RecordStore

// FeedbackQueue holds low-confidence records for human review.
type FeedbackQueue = ports.FeedbackQueue

// WAL abstracts the write-ahead log behind the feedback outbox.
type WAL = ports.WAL

// Observability emits structured logs and metrics.
type Observability = ports.Observability

// Error taxonomy.
var (
	ErrConnection           = domain.ErrConnection
	ErrReadTimeout          = domain.ErrReadTimeout
	ErrNoFreshData          = domain.ErrNoFreshData
	ErrContextNotFound      = domain.ErrContextNotFound
	ErrContextUnavailable   = domain.ErrContextUnavailable
	ErrInferenceUnavailable = domain.ErrInferenceUnavailable
	ErrPersistence          = domain.ErrPersistence
	ErrConfig               = domain.ErrConfig
	ErrDeviceNotFound       = domain.ErrDeviceNotFound
	ErrFeedbackNotFound     = domain.ErrFeedbackNotFound
	ErrAlreadyResolved      = domain.ErrAlreadyResolved
	ErrOutboxFull           = pipeline.ErrOutboxFull
)
