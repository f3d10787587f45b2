package contextedge

import (
	"context"
	"testing"
	"time"
)

func TestConfFromConfigAndStreamBuilder(t *testing.T) {
	cfg := testConfig(t)
	deps := newTestDeps()

	flow, err := ConfFromConfig(cfg, WithFlowOptions(WithRegistry(nil)))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	if flow.Config() != cfg {
		t.Fatalf("expected Config to be returned verbatim")
	}

	handle, outcomes, closeOutcomes := NewChannelOutcomes(1)
	defer closeOutcomes()

	rt, err := flow.
		StreamIN(
			StreamInDrivers(func(Device) (Driver, error) { return stubDriver{value: 20}, nil }),
			StreamInResolver(deps.resolver),
		).
		StreamOUT(
			StreamOutPredictor(deps.predictor),
			StreamOutRecordStore(deps.records),
			StreamOutFeedbackQueue(deps.feedback),
			StreamOutCallback(handle),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.closeAll()

	if rt.feedback != deps.feedback {
		t.Fatalf("expected custom feedback queue to be wired")
	}

	ev := IdentifierEvent{Identifier: "QM-BATCH-9", SourceDevice: "press-1", Timestamp: time.Now()}
	if err := rt.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case out := <-outcomes:
		if out.Event.Identifier != "QM-BATCH-9" {
			t.Fatalf("unexpected outcome %+v", out)
		}
		// the device was never started, so its snapshot is stale
		if !out.Record.Fusion.Flags.SensorsStale {
			t.Fatalf("expected stale flag on record from unstarted device")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for dispatched outcome")
	}
}

func TestFlowRunStopsWithContext(t *testing.T) {
	deps := newTestDeps()
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := flow.Options(deps.options()...).Run(ctx); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
}

func TestNilFlow(t *testing.T) {
	var f *Flow
	if f.Config() != nil || f.StreamIN() != nil {
		t.Fatalf("expected nil flow to stay nil")
	}
	if _, err := f.StreamOUT(); err == nil {
		t.Fatalf("expected error from nil flow")
	}
	if _, err := ConfFromConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
