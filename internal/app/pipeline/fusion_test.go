package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/snapshot"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

var scanTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	resolver *fakeResolver
	cache    *snapshot.Cache
	health   *fakeHealth
	pred     *fakePredictor
	records  *fakeRecords
	sink     *fakeSink
	obs      *mockObs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{results: map[string]ports.LookupResult{}},
		cache:    snapshot.NewCache(),
		health:   &fakeHealth{state: domain.StateConnected},
		pred:     &fakePredictor{p: domain.Prediction{Label: "Normal", Confidence: 0.93, ModelVersion: "m-7"}},
		records:  &fakeRecords{},
		sink:     &fakeSink{},
		obs:      &mockObs{},
	}
	em, err := NewEmitter(h.records, h.sink, EmitterConfig{ThresholdLow: 0.6, ThresholdHigh: 0.8}, h.obs)
	require.NoError(t, err)
	cfg := FusionConfig{
		Deadline:     200 * time.Millisecond,
		ContextRetry: RetryConfig{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond},
	}
	h.engine = NewEngine(cfg, h.resolver, h.cache, h.health, h.pred, em, h.obs)
	return h
}

func (h *harness) seed(device string, readings ...domain.SensorReading) {
	h.cache.Update(device, time.Now(), readings)
}

func event(id string) domain.IdentifierEvent {
	return domain.IdentifierEvent{Identifier: id, SourceDevice: "press-1", Timestamp: scanTime}
}

func TestSubmitHappyPathNoFeedback(t *testing.T) {
	h := newHarness(t)
	h.seed("press-1", domain.SensorReading{Name: "temp", Value: 85, Valid: true})
	h.resolver.results["QM-BATCH-1"] = ports.LookupResult{
		Status:  ports.LookupHit,
		Payload: domain.ContextPayload{Identifier: "QM-BATCH-1", Hit: true, Data: map[string]any{"product": "WIDGET-A"}},
	}

	out, err := h.engine.Submit(context.Background(), event("QM-BATCH-1"))
	require.NoError(t, err)
	require.False(t, out.Debounced)
	require.Nil(t, out.Feedback)

	rec := out.Record
	require.Regexp(t, `^LDO-[0-9a-f-]{36}$`, rec.ID)
	require.Equal(t, "QM-BATCH-1", rec.Fusion.Identifier)
	require.Equal(t, scanTime, rec.Fusion.Timestamp)
	require.Equal(t, "WIDGET-A", rec.Fusion.Context.Data["product"])
	require.Equal(t, 85.0, rec.Fusion.Snapshot.Readings["temp"].Value)
	require.False(t, rec.Fusion.Flags.ContextMissing)
	require.False(t, rec.Fusion.Flags.SensorsStale)
	require.Equal(t, 0.93, rec.Confidence)
	require.Len(t, h.records.all(), 1)
	require.Empty(t, h.sink.all())
}

func TestSubmitInferenceTimeoutIsUnscoredHighPriority(t *testing.T) {
	h := newHarness(t)
	h.seed("press-1", domain.SensorReading{Name: "temp", Value: 85, Valid: true})
	h.pred.err = domain.ErrInferenceUnavailable

	out, err := h.engine.Submit(context.Background(), event("QM-BATCH-2"))
	require.NoError(t, err)
	require.Equal(t, domain.UnscoredLabel, out.Record.Label)
	require.Zero(t, out.Record.Confidence)
	require.NotNil(t, out.Feedback)
	require.Equal(t, domain.PriorityHigh, out.Feedback.Priority)
	require.Equal(t, out.Record.ID, h.sink.all()[0].RecordID)
}

func TestSubmitContextNotFoundStillEmits(t *testing.T) {
	h := newHarness(t)
	h.seed("press-1", domain.SensorReading{Name: "temp", Value: 85, Valid: true})

	out, err := h.engine.Submit(context.Background(), event("unknown"))
	require.NoError(t, err)
	require.True(t, out.Record.Fusion.Flags.ContextMissing)
	require.False(t, out.Record.Fusion.Context.Hit)
	require.Equal(t, 1, h.resolver.callCount(), "a miss is not retried")
	require.Len(t, h.records.all(), 1)
}

func TestSubmitRetriesUnavailableContext(t *testing.T) {
	h := newHarness(t)
	h.resolver.unavailable = 2
	h.resolver.results["QM-1"] = ports.LookupResult{Status: ports.LookupHit, Payload: domain.ContextPayload{Hit: true}}

	out, err := h.engine.Submit(context.Background(), event("QM-1"))
	require.NoError(t, err)
	require.Equal(t, 3, h.resolver.callCount())
	require.False(t, out.Record.Fusion.Flags.ContextMissing)
}

func TestSubmitContextUnavailableGivesUpAfterBound(t *testing.T) {
	h := newHarness(t)
	h.resolver.unavailable = 100

	out, err := h.engine.Submit(context.Background(), event("QM-1"))
	require.NoError(t, err)
	require.Equal(t, 3, h.resolver.callCount())
	require.True(t, out.Record.Fusion.Flags.ContextMissing)
	require.Equal(t, float64(1), h.obs.counter(ports.MetricContextFailures))
}

func TestSubmitFailedDeviceIsStaleButEmits(t *testing.T) {
	h := newHarness(t)
	h.health.state = domain.StateFailed

	out, err := h.engine.Submit(context.Background(), event("QM-1"))
	require.NoError(t, err)
	require.True(t, out.Record.Fusion.Flags.SensorsStale)
	require.True(t, out.Record.Fusion.Snapshot.Empty())
	require.Equal(t, domain.StateFailed, out.Record.Fusion.Health.State)
}

func TestSubmitOldSnapshotIsStale(t *testing.T) {
	h := newHarness(t)
	h.cache.Update("press-1", time.Now().Add(-time.Minute), []domain.SensorReading{{Name: "temp", Value: 1, Valid: true}})

	out, err := h.engine.Submit(context.Background(), event("QM-1"))
	require.NoError(t, err)
	require.True(t, out.Record.Fusion.Flags.SensorsStale)
}

func TestSubmitDebouncesDuplicates(t *testing.T) {
	h := newHarness(t)
	ev := event("QM-BATCH-1")

	first, err := h.engine.Submit(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, first.Debounced)

	second, err := h.engine.Submit(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, second.Debounced)
	require.Len(t, h.records.all(), 1)

	other := ev
	other.SourceDevice = "press-2"
	third, err := h.engine.Submit(context.Background(), other)
	require.NoError(t, err)
	require.False(t, third.Debounced, "different sources are independent")
}

func TestSubmitDeadlineStillEmits(t *testing.T) {
	h := newHarness(t)
	h.pred.delay = time.Second

	start := time.Now()
	out, err := h.engine.Submit(context.Background(), event("QM-SLOW"))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 900*time.Millisecond)
	require.True(t, out.Record.Fusion.Flags.DeadlineExceeded)
	require.Equal(t, domain.UnscoredLabel, out.Record.Label)
	require.Len(t, h.records.all(), 1)
}

func TestSubmitPersistenceFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.records.err = errors.New("connection refused")
	h.pred.p.Confidence = 0.1

	_, err := h.engine.Submit(context.Background(), event("QM-1"))
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.Empty(t, h.sink.all(), "no feedback for a record that was never stored")
	require.Equal(t, float64(1), h.obs.counter(ports.MetricPersistenceFailed))
}

func TestSubmitRejectsInvalidEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Submit(context.Background(), domain.IdentifierEvent{Identifier: "x"})
	require.Error(t, err)
	require.Empty(t, h.records.all())
}

func TestDispatchRunsConcurrentlyAndReports(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var outcomes []Outcome
	h.engine.OnResult(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	for _, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, h.engine.Dispatch(context.Background(), event(id)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 4)
	require.Len(t, h.records.all(), 4)
}

func TestTriageBands(t *testing.T) {
	em, err := NewEmitter(&fakeRecords{}, &fakeSink{}, EmitterConfig{ThresholdLow: 0.6, ThresholdHigh: 0.8}, &mockObs{})
	require.NoError(t, err)

	cases := []struct {
		p      domain.Prediction
		want   domain.Priority
		review bool
	}{
		{domain.Prediction{Label: "x", Confidence: 0.59}, domain.PriorityHigh, true},
		{domain.Prediction{Label: "x", Confidence: 0.6}, domain.PriorityNormal, true},
		{domain.Prediction{Label: "x", Confidence: 0.79}, domain.PriorityNormal, true},
		{domain.Prediction{Label: "x", Confidence: 0.8}, "", false},
		{domain.UnscoredPrediction(), domain.PriorityHigh, true},
	}
	for _, c := range cases {
		got, review := em.Triage(c.p)
		require.Equal(t, c.review, review, "confidence %v", c.p.Confidence)
		require.Equal(t, c.want, got, "confidence %v", c.p.Confidence)
	}
}

func TestNewEmitterRejectsBadThresholds(t *testing.T) {
	for _, cfg := range []EmitterConfig{
		{ThresholdLow: 0.9, ThresholdHigh: 0.5},
		{ThresholdLow: -0.1, ThresholdHigh: 0.5},
		{ThresholdLow: 0.1, ThresholdHigh: 1.5},
	} {
		_, err := NewEmitter(&fakeRecords{}, &fakeSink{}, cfg, &mockObs{})
		require.ErrorIs(t, err, domain.ErrConfig)
	}
}

func TestEmitSanitizesConfidence(t *testing.T) {
	em, _ := NewEmitter(&fakeRecords{}, &fakeSink{}, EmitterConfig{ThresholdLow: 0.6, ThresholdHigh: 0.8}, &mockObs{})

	rec, _, err := em.Emit(context.Background(), domain.FusionRecord{}, domain.Prediction{Label: "x", Confidence: 3})
	require.NoError(t, err)
	require.Equal(t, 1.0, rec.Confidence)

	rec, item, err := em.Emit(context.Background(), domain.FusionRecord{}, domain.Prediction{Label: "x", Confidence: math.NaN()})
	require.NoError(t, err)
	require.Equal(t, domain.UnscoredLabel, rec.Label)
	require.Equal(t, domain.PriorityHigh, item.Priority)
}

func TestEmitKeepsRecordWhenFeedbackSubmitFails(t *testing.T) {
	records := &fakeRecords{}
	obs := &mockObs{}
	em, _ := NewEmitter(records, &fakeSink{err: ErrOutboxFull}, EmitterConfig{ThresholdLow: 0.6, ThresholdHigh: 0.8}, obs)

	rec, item, err := em.Emit(context.Background(), domain.FusionRecord{}, domain.Prediction{Label: "x", Confidence: 0.1})
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, rec.ID, records.all()[0].ID)
	require.Equal(t, float64(1), obs.counter(ports.MetricFeedbackDropped))
}

func TestDebouncerWindowAndSweep(t *testing.T) {
	d := NewDebouncer(time.Second)
	require.True(t, d.Allow("s", "a", scanTime))
	require.False(t, d.Allow("s", "a", scanTime.Add(500*time.Millisecond)))
	require.False(t, d.Allow("s", "a", scanTime.Add(999*time.Millisecond)))
	require.True(t, d.Allow("s", "a", scanTime.Add(time.Second)))
	require.True(t, d.Allow("s", "b", scanTime))

	require.Equal(t, 1, d.Sweep(scanTime.Add(1500*time.Millisecond)))
	require.Equal(t, 0, d.Sweep(scanTime.Add(3*time.Second)))
}

type fakeResolver struct {
	mu          sync.Mutex
	results     map[string]ports.LookupResult
	unavailable int
	calls       int
}

func (f *fakeResolver) Resolve(_ context.Context, id string) ports.LookupResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.unavailable > 0 {
		f.unavailable--
		return ports.LookupResult{Status: ports.LookupUnavailable, Err: domain.ErrContextUnavailable}
	}
	if r, ok := f.results[id]; ok {
		return r
	}
	return ports.LookupResult{Status: ports.LookupMiss, Payload: domain.ContextPayload{Identifier: id}, Err: domain.ErrContextNotFound}
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHealth struct {
	state domain.ConnState
}

func (f *fakeHealth) Health(id string) (domain.DeviceHealth, error) {
	return domain.DeviceHealth{DeviceID: id, State: f.state}, nil
}

type fakePredictor struct {
	p     domain.Prediction
	err   error
	delay time.Duration
}

func (f *fakePredictor) Predict(ctx context.Context, _ domain.FusionRecord) (domain.Prediction, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.Prediction{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.Prediction{}, f.err
	}
	return f.p, nil
}

type fakeRecords struct {
	mu   sync.Mutex
	recs []domain.LabeledRecord
	err  error
}

func (f *fakeRecords) Append(_ context.Context, rec domain.LabeledRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecords) all() []domain.LabeledRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LabeledRecord(nil), f.recs...)
}

type fakeSink struct {
	mu    sync.Mutex
	items []domain.FeedbackItem
	err   error
}

func (f *fakeSink) Submit(_ context.Context, item domain.FeedbackItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeSink) all() []domain.FeedbackItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.FeedbackItem(nil), f.items...)
}
