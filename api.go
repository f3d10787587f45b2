package contextedge

import (
	base "github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

// Re-exported errors for convenience.
var (
	ErrNoFreshData          = base.ErrNoFreshData
	ErrContextNotFound      = base.ErrContextNotFound
	ErrContextUnavailable   = base.ErrContextUnavailable
	ErrInferenceUnavailable = base.ErrInferenceUnavailable
	ErrPersistence          = base.ErrPersistence
	ErrConfig               = base.ErrConfig
	ErrDeviceNotFound       = base.ErrDeviceNotFound
	ErrFeedbackNotFound     = base.ErrFeedbackNotFound
	ErrAlreadyResolved      = base.ErrAlreadyResolved
	ErrOutboxFull           = base.ErrOutboxFull
)

// Type aliases so consumers can import the module root directly.
type (
	Config            = base.Config
	Policy            = base.Policy
	Flow              = base.Flow
	FlowOption        = base.FlowOption
	StreamInOption    = base.StreamInOption
	StreamOutOption   = base.StreamOutOption
	EdgeRuntime       = base.EdgeRuntime
	EdgeRuntimeOption = base.EdgeRuntimeOption
	IdentifierEvent   = base.IdentifierEvent
	Outcome           = base.Outcome
	Device            = base.Device
	DeviceHealth      = base.DeviceHealth
	SensorSnapshot    = base.SensorSnapshot
	LabeledRecord     = base.LabeledRecord
	FeedbackItem      = base.FeedbackItem
	Resolution        = base.Resolution
	Driver            = base.Driver
	DriverFactory     = base.DriverFactory
	ContextResolver   = base.ContextResolver
	Predictor         = base.Predictor
	RecordStore       = base.RecordStore
	FeedbackQueue     = base.FeedbackQueue
	WAL               = base.WAL
	Observability     = base.Observability
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInDrivers(df DriverFactory) StreamInOption {
	return base.StreamInDrivers(df)
}

func StreamInResolver(r ContextResolver) StreamInOption {
	return base.StreamInResolver(r)
}

func StreamInWAL(w WAL) StreamInOption {
	return base.StreamInWAL(w)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutPredictor(p Predictor) StreamOutOption {
	return base.StreamOutPredictor(p)
}

func StreamOutRecordStore(s RecordStore) StreamOutOption {
	return base.StreamOutRecordStore(s)
}

func StreamOutFeedbackQueue(q FeedbackQueue) StreamOutOption {
	return base.StreamOutFeedbackQueue(q)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(fn func(Outcome)) StreamOutOption {
	return base.StreamOutCallback(fn)
}

// Edge runtime and options.
func NewEdgeRuntime(cfg *Config, opts ...EdgeRuntimeOption) (*EdgeRuntime, error) {
	return base.NewEdgeRuntime(cfg, opts...)
}

func WithDriverFactory(df DriverFactory) EdgeRuntimeOption {
	return base.WithDriverFactory(df)
}

func WithContextResolver(r ContextResolver) EdgeRuntimeOption {
	return base.WithContextResolver(r)
}

func WithPredictor(p Predictor) EdgeRuntimeOption {
	return base.WithPredictor(p)
}

func WithRecordStore(s RecordStore) EdgeRuntimeOption {
	return base.WithRecordStore(s)
}

func WithFeedbackQueue(q FeedbackQueue) EdgeRuntimeOption {
	return base.WithFeedbackQueue(q)
}

func WithWAL(w WAL) EdgeRuntimeOption {
	return base.WithWAL(w)
}

func WithObservability(obs Observability) EdgeRuntimeOption {
	return base.WithObservability(obs)
}

func WithOutcomeHandler(fn func(Outcome)) EdgeRuntimeOption {
	return base.WithOutcomeHandler(fn)
}

// Outcome adapters.
func NewChannelOutcomes(buffer int) (func(Outcome), <-chan Outcome, func()) {
	return base.NewChannelOutcomes(buffer)
}

func FanOutOutcomes(handlers ...func(Outcome)) func(Outcome) {
	return base.FanOutOutcomes(handlers...)
}

func ReviewOnly(next func(Outcome)) func(Outcome) {
	return base.ReviewOnly(next)
}
