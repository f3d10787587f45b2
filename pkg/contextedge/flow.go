package contextedge

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → StreamIN → StreamOUT
// without touching the underlying hexagonal wiring.
type Flow struct {
	cfg  *Config
	opts []EdgeRuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption configures the acquisition side: drivers, context lookup, WAL.
type StreamInOption func(*Flow)

// StreamOutOption configures the fusion output side: inference, records, feedback.
type StreamOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	apply(f, opts)
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw EdgeRuntimeOption values to the builder.
func (f *Flow) Options(opts ...EdgeRuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// StreamIN records acquisition-side overrides.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	apply(f, opts)
	return f
}

// StreamOUT records output-side overrides and builds an EdgeRuntime ready to run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*EdgeRuntime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	apply(f, opts)
	return NewEdgeRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends EdgeRuntimeOption values during Conf.
func WithFlowOptions(opts ...EdgeRuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInDrivers swaps the bundled protocol drivers (simulators, replay files).
func StreamInDrivers(df DriverFactory) StreamInOption {
	return when(df != nil, WithDriverFactory(df))
}

// StreamInResolver replaces the Redis context lookup.
func StreamInResolver(r ContextResolver) StreamInOption {
	return when(r != nil, WithContextResolver(r))
}

// StreamInWAL lets callers bring their own feedback WAL.
func StreamInWAL(w WAL) StreamInOption {
	return when(w != nil, WithWAL(w))
}

// StreamInObservability overrides the default Prometheus-based observability stack.
func StreamInObservability(obs Observability) StreamInOption {
	return when(obs != nil, WithObservability(obs))
}

func StreamOutPredictor(p Predictor) StreamOutOption {
	return when(p != nil, WithPredictor(p))
}

func StreamOutRecordStore(s RecordStore) StreamOutOption {
	return when(s != nil, WithRecordStore(s))
}

func StreamOutFeedbackQueue(q FeedbackQueue) StreamOutOption {
	return when(q != nil, WithFeedbackQueue(q))
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return when(obs != nil, WithObservability(obs))
}

// StreamOutCallback is invoked with every outcome produced by Dispatch.
func StreamOutCallback(fn func(Outcome)) StreamOutOption {
	return when(fn != nil, WithOutcomeHandler(fn))
}

// when adds opt to the flow only if the override was actually supplied.
func when(ok bool, opt EdgeRuntimeOption) func(*Flow) {
	return func(f *Flow) {
		if f != nil && ok {
			f.appendOptions(opt)
		}
	}
}

func apply[O ~func(*Flow)](f *Flow, opts []O) {
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
}

func (f *Flow) appendOptions(opts ...EdgeRuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
