package pipeline

import (
	"context"
	"errors"
	"sync"
		"testing"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/queue"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/snapshot"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/wal"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

func TestWaitForWALCapacityBlockThenSucceed(t *testing.T) {
	w := &mockWAL{sizes: []int64{150, 50}}
	pol := ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       "block",
		IdleSleep:       time.Millisecond,
	}

	if err := waitForWALCapacity(context.Background(), w, pol, &mockObs{}); err != nil {
		t.Fatalf("expected waitForWALCapacity to eventually succeed, got %v", err)
	}
	if w.calls < 2 {
		t.Fatalf("expected multiple stats calls, got %d", w.calls)
	}
}

func TestWaitForWALCapacityBlockStopsAtDeadline(t *testing.T) {
	w := &mockWAL{sizes: []int64{200}}
	pol := ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       "block",
		IdleSleep:       time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := waitForWALCapacity(ctx, w, pol, &mockObs{})
	if !errors.Is(err, ErrOutboxFull) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrOutboxFull wrapping the deadline, got %v", err)
	}
}

func TestWaitForWALCapacityDrop(t *testing.T) {
	w := &mockWAL{sizes: []int64{200, 200}}
	pol := ports.Policy{
		MaxWALSizeBytes: 100,
		OnWALFull:       "drop",
	}
	obs := &mockObs{}

	if err := waitForWALCapacity(context.Background(), w, pol, obs); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
	if len(obs.errorList()) == 0 {
		t.Fatalf("expected error to be logged")
	}
}

func TestOutboxDeliversAndCommits(t *testing.T) {
	w, err := wal.NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	defer w.Close()

	fq := &mockFeedbackQueue{}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(16), fq, ports.Policy{MaxBatchSize: 8},
		OutboxConfig{Retry: RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond}}, &mockObs{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ob.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"LDO-1", "LDO-2", "LDO-3"} {
		if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: id, Priority: domain.PriorityHigh}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}

	waitFor(t, func() bool { return len(fq.delivered()) == 3 })
	cancel()
	<-done

	got := fq.delivered()
	if got[0] != "LDO-1" || got[2] != "LDO-3" {
		t.Fatalf("delivery out of order: %v", got)
	}
	st := w.Stats()
	if st.OldestUncommitted != 4 {
		t.Fatalf("expected everything committed, oldest uncommitted=%d", st.OldestUncommitted)
	}
	if st.SizeBytes != 0 {
		t.Fatalf("expected compacted WAL, size=%d", st.SizeBytes)
	}
}

func TestOutboxRetriesFailedDelivery(t *testing.T) {
	w, err := wal.NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	defer w.Close()

	fq := &mockFeedbackQueue{failures: 2}
	obs := &mockObs{}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(16), fq, ports.Policy{MaxBatchSize: 8},
		OutboxConfig{Retry: RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond}}, obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ob.Run(ctx) }()

	if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: "LDO-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: "LDO-2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool { return len(fq.delivered()) == 2 })
	if got := fq.delivered(); got[0] != "LDO-1" || got[1] != "LDO-2" {
		t.Fatalf("retry reordered delivery: %v", got)
	}
	if obs.counter(ports.MetricFeedbackRetries) < 2 {
		t.Fatalf("expected retries to be counted, got %v", obs.counter(ports.MetricFeedbackRetries))
	}
}

func TestOutboxReplaysUncommittedOnRestart(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewFileWAL(dir)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	down := &mockFeedbackQueue{failAlways: true}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(16), down, ports.Policy{MaxBatchSize: 8}, OutboxConfig{}, &mockObs{})
	for _, id := range []string{"LDO-1", "LDO-2"} {
		if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: id}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := ob.Drain(context.Background()); err == nil {
		t.Fatalf("expected drain to report the backend failure")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := wal.NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer w2.Close()
	up := &mockFeedbackQueue{}
	ob2 := NewFeedbackOutbox(w2, queue.NewMemQueue(16), up, ports.Policy{MaxBatchSize: 8}, OutboxConfig{}, &mockObs{})
	if err := ob2.Replay(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if ob2.Len() != 2 {
		t.Fatalf("expected 2 replayed items, got %d", ob2.Len())
	}
	if err := ob2.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := up.delivered(); len(got) != 2 || got[0] != "LDO-1" {
		t.Fatalf("unexpected replayed delivery %v", got)
	}
}

func TestOutboxSpillsPastFullBufferWithoutBlocking(t *testing.T) {
	w, err := wal.NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	defer w.Close()

	fq := &mockFeedbackQueue{failAlways: true}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(1), fq, ports.Policy{MaxBatchSize: 8, IdleSleep: time.Millisecond},
		OutboxConfig{Retry: RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond}}, &mockObs{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ob.Run(ctx) }()

	ids := []string{"LDO-1", "LDO-2", "LDO-3", "LDO-4"}
	start := time.Now()
	for _, id := range ids {
		if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("submit blocked for %s with a full buffer", elapsed)
	}
	if ob.Len() != len(ids) {
		t.Fatalf("expected %d pending items, got %d", len(ids), ob.Len())
	}

	fq.heal()
	waitFor(t, func() bool { return len(fq.delivered()) == len(ids) })
	got := fq.delivered()
	for i, id := range ids {
		if got[i] != id {
			t.Fatalf("delivery out of order: %v", got)
		}
	}
	waitFor(t, func() bool { return ob.Len() == 0 })
}

func TestOutboxKeepsSpilledItemsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewFileWAL(dir)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	up := &mockFeedbackQueue{}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(1), up, ports.Policy{MaxBatchSize: 8}, OutboxConfig{}, &mockObs{})
	for _, id := range []string{"LDO-1", "LDO-2", "LDO-3"} {
		if err := ob.Submit(context.Background(), domain.FeedbackItem{RecordID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	// only the buffered head goes out before the crash
	if _, err := ob.deliverBatch(context.Background()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := wal.NewFileWAL(dir)
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer w2.Close()
	up2 := &mockFeedbackQueue{}
	ob2 := NewFeedbackOutbox(w2, queue.NewMemQueue(1), up2, ports.Policy{MaxBatchSize: 8}, OutboxConfig{}, &mockObs{})
	if err := ob2.Replay(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := ob2.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	delivered := append(up.delivered(), up2.delivered()...)
	want := []string{"LDO-1", "LDO-2", "LDO-3"}
	if len(delivered) != len(want) {
		t.Fatalf("expected %v delivered exactly once, got %v", want, delivered)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, delivered)
		}
	}
	if st := w2.Stats(); st.OldestUncommitted != 4 {
		t.Fatalf("expected everything committed, oldest uncommitted=%d", st.OldestUncommitted)
	}
}

func TestEngineSubmitReturnsWhileFeedbackBackendIsDown(t *testing.T) {
	w, err := wal.NewFileWAL(t.TempDir())
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	defer w.Close()

	fq := &mockFeedbackQueue{failAlways: true}
	obs := &mockObs{}
	ob := NewFeedbackOutbox(w, queue.NewMemQueue(1), fq, ports.Policy{MaxBatchSize: 8, IdleSleep: time.Millisecond},
		OutboxConfig{Retry: RetryConfig{Base: time.Millisecond, Cap: 2 * time.Millisecond}}, obs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ob.Run(ctx) }()

	records := &fakeRecords{}
	em, err := NewEmitter(records, ob, EmitterConfig{ThresholdLow: 0.6, ThresholdHigh: 0.8}, obs)
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	cache := snapshot.NewCache()
	cache.Update("press-1", time.Now(), []domain.SensorReading{{Name: "temp", Value: 85, Valid: true}})
	engine := NewEngine(FusionConfig{Deadline: 200 * time.Millisecond},
		&fakeResolver{results: map[string]ports.LookupResult{}}, cache,
		&fakeHealth{state: domain.StateConnected},
		&fakePredictor{p: domain.Prediction{Label: "Defect", Confidence: 0.2, ModelVersion: "m-7"}},
		em, obs)

	for _, id := range []string{"QM-A", "QM-B", "QM-C"} {
		done := make(chan error, 1)
		go func() {
			out, err := engine.Submit(context.Background(), event(id))
			if err == nil && out.Feedback == nil {
				err = errors.New("expected a review item")
			}
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("submit %s: %v", id, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("submit %s still blocked with the feedback backend down", id)
		}
	}

	if got := len(records.all()); got != 3 {
		t.Fatalf("expected 3 persisted records, got %d", got)
	}
	if ob.Len() != 3 {
		t.Fatalf("expected 3 review items held for delivery, got %d", ob.Len())
	}
	if obs.counter(ports.MetricFeedbackDropped) != 0 {
		t.Fatalf("expected no dropped feedback")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type mockWAL struct {
	ports.WAL
	sizes []int64
	calls int
}

func (m *mockWAL) Stats() ports.WALStats {
	idx := m.calls
	if idx >= len(m.sizes) {
		idx = len(m.sizes) - 1
	}
	m.calls++
	return ports.WALStats{SizeBytes: m.sizes[idx]}
}

type mockFeedbackQueue struct {
	mu         sync.Mutex
	failures   int
	failAlways bool
	items      []string
}

func (m *mockFeedbackQueue) Enqueue(_ context.Context, item domain.FeedbackItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlways {
		return errors.New("backend down")
	}
	if m.failures > 0 {
		m.failures--
		return errors.New("backend down")
	}
	m.items = append(m.items, item.RecordID)
	return nil
}

func (m *mockFeedbackQueue) heal() {
	m.mu.Lock()
	m.failAlways = false
	m.mu.Unlock()
}

func (m *mockFeedbackQueue) Resolve(context.Context, string, domain.Resolution) (domain.FeedbackItem, error) {
	return domain.FeedbackItem{}, domain.ErrFeedbackNotFound
}

func (m *mockFeedbackQueue) ListPending(context.Context, int) ([]domain.FeedbackItem, error) {
	return nil, nil
}

func (m *mockFeedbackQueue) delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.items...)
}

type mockObs struct {
	mu       sync.Mutex
	errors   []error
	counters map[string]float64
	infos    []string
}

func (m *mockObs) LogInfo(msg string, _ ...ports.Field) {
	m.mu.Lock()
	m.infos = append(m.infos, msg)
	m.mu.Unlock()
}
func (m *mockObs) LogWarn(string, ...ports.Field) {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, err)
	m.mu.Unlock()
}
func (m *mockObs) LogCritical(_ string, err error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, err)
	m.mu.Unlock()
}
func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += v
	m.mu.Unlock()
}
func (m *mockObs) ObserveLatency(string, float64)          {}
func (m *mockObs) SetGauge(string, float64)                {}
func (m *mockObs) SetDeviceState(string, domain.ConnState) {}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *mockObs) errorList() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}
