package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// ErrOutboxFull is returned by Submit when the WAL is at its size bound and
// the item could not be appended.
var ErrOutboxFull = errors.New("feedback outbox full")

var errBufferFull = errors.New("feedback buffer full")

// FeedbackOutbox makes feedback delivery durable: items are appended to the
// WAL, buffered in memory, and delivered to the queue backend by Run with
// retry. Delivered prefixes are committed; anything uncommitted is replayed
// on the next start.
//
// The buffer only ever holds a contiguous run of WAL ids. Once it fills up,
// later items stay WAL-only from spill onwards and are loaded back in id
// order as the buffer drains.
type FeedbackOutbox struct {
	wal   ports.WAL
	buf   ports.FeedbackBuffer
	queue ports.FeedbackQueue
	pol   ports.Policy
	cfg   OutboxConfig
	obs   ports.Observability

	// mu keeps WAL order and buffer order identical.
	mu    sync.Mutex
	spill ports.WALEntryID
	wake  chan struct{}
}

func NewFeedbackOutbox(wal ports.WAL, buf ports.FeedbackBuffer, queue ports.FeedbackQueue, pol ports.Policy, cfg OutboxConfig, obs ports.Observability) *FeedbackOutbox {
	return &FeedbackOutbox{
		wal:   wal,
		buf:   buf,
		queue: queue,
		pol:   pol,
		cfg:   cfg.WithDefaults(),
		obs:   obs,
		wake:  make(chan struct{}, 1),
	}
}

// Submit appends item to the WAL. It waits for WAL capacity at most until ctx
// is done; once appended it never blocks, whether or not the buffer has room.
func (o *FeedbackOutbox) Submit(ctx context.Context, item domain.FeedbackItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := waitForWALCapacity(ctx, o.wal, o.pol, o.obs); err != nil {
		return err
	}
	id, err := o.wal.Append(&item)
	if err != nil {
		o.obs.LogCritical("feedback_wal_append_failed", err, ports.Field{Key: "record_id", Value: item.RecordID})
		return fmt.Errorf("append feedback %s: %w", item.RecordID, err)
	}
	if o.spill == 0 && !o.buf.Enqueue(id, &item) {
		o.spill = id
		o.obs.LogWarn("feedback_buffer_full",
			ports.Field{Key: "record_id", Value: item.RecordID},
			ports.Field{Key: "spill_from", Value: uint64(id)})
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Replay loads uncommitted WAL entries into the buffer. Call it once before Run.
func (o *FeedbackOutbox) Replay() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := o.wal.Stats()
	if stats.OldestUncommitted == 0 || stats.OldestUncommitted > stats.LatestAppended {
		return nil
	}
	o.spill = stats.OldestUncommitted
	n, err := o.refillLocked()
	if err != nil {
		return err
	}
	if n > 0 {
		o.obs.LogInfo("wal_replay_complete",
			ports.Field{Key: "items", Value: n},
			ports.Field{Key: "from_id", Value: uint64(stats.OldestUncommitted)})
	}
	return nil
}

func (o *FeedbackOutbox) refill() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.refillLocked()
	return err
}

// refillLocked moves WAL-only entries from spill onwards into the buffer
// until it is full again.
func (o *FeedbackOutbox) refillLocked() (int, error) {
	if o.spill == 0 {
		return 0, nil
	}
	var (
		loaded int
		next   ports.WALEntryID
	)
	err := o.wal.Iterate(o.spill, func(id ports.WALEntryID, item *domain.FeedbackItem) error {
		if !o.buf.Enqueue(id, item) {
			next = id
			return errBufferFull
		}
		loaded++
		return nil
	})
	if err != nil && !errors.Is(err, errBufferFull) {
		return loaded, err
	}
	o.spill = next
	return loaded, nil
}

// Run delivers buffered items until ctx is done.
func (o *FeedbackOutbox) Run(ctx context.Context) error {
	idle := o.pol.IdleSleep
	if idle <= 0 {
		idle = 50 * time.Millisecond
	}
	bo := o.cfg.Retry.backOff()

	for {
		delivered, err := o.deliverBatch(ctx)
		switch {
		case err != nil:
			wait := bo.NextBackOff()
			o.obs.IncCounter(ports.MetricFeedbackRetries, 1)
			o.obs.LogWarn("feedback_enqueue_retry",
				ports.Field{Key: "retry_in", Value: wait.String()},
				ports.Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		case delivered > 0:
			bo.Reset()
			continue
		}

		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Drain makes delivery passes without retrying until nothing is left, for
// shutdown.
func (o *FeedbackOutbox) Drain(ctx context.Context) error {
	for {
		n, err := o.deliverBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// deliverBatch sends one batch in order. On failure the undelivered tail is
// put back at the head and the delivered prefix is committed.
func (o *FeedbackOutbox) deliverBatch(ctx context.Context) (int, error) {
	if err := o.refill(); err != nil {
		o.obs.LogError("wal_refill_failed", err)
	}
	batch := o.buf.DequeueBatch(o.pol.MaxBatchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	var (
		maxID ports.WALEntryID
		sent  int
		err   error
	)
	for i, q := range batch {
		if err = o.queue.Enqueue(ctx, *q.Item); err != nil {
			o.buf.Requeue(batch[i:])
			break
		}
		sent++
		if q.ID > maxID {
			maxID = q.ID
		}
	}

	if maxID > 0 {
		if cerr := o.wal.Commit(maxID); cerr != nil {
			o.obs.LogError("wal_commit_failed", cerr)
		} else if o.Len() == 0 {
			if terr := o.wal.TruncateCommitted(); terr != nil {
				o.obs.LogError("wal_truncate_failed", terr)
			}
		}
	}
	return sent, err
}

// Len is the number of uncommitted items, buffered or not.
func (o *FeedbackOutbox) Len() int {
	st := o.wal.Stats()
	if st.OldestUncommitted == 0 || st.LatestAppended < st.OldestUncommitted {
		return 0
	}
	return int(st.LatestAppended - st.OldestUncommitted + 1)
}

func (o *FeedbackOutbox) Stats() ports.WALStats { return o.wal.Stats() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func waitForWALCapacity(ctx context.Context, wal ports.WAL, pol ports.Policy, obs ports.Observability) error {
	if pol.MaxWALSizeBytes <= 0 {
		return nil
	}
	sleep := pol.IdleSleep
	if sleep <= 0 {
		sleep = 5 * time.Millisecond
	}

	for {
		stats := wal.Stats()
		if stats.SizeBytes < pol.MaxWALSizeBytes {
			return nil
		}

		switch pol.OnWALFull {
		case "block":
			if !sleepCtx(ctx, sleep) {
				obs.LogError("wal_full_timeout", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxWALSizeBytes))
				return fmt.Errorf("%w: %w", ErrOutboxFull, ctx.Err())
			}
		case "drop":
			obs.LogError("wal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxWALSizeBytes))
			return ErrOutboxFull
		default:
			obs.LogError("wal_policy_invalid", fmt.Errorf("policy=%s", pol.OnWALFull))
			return ErrOutboxFull
		}
	}
}

var _ FeedbackSink = (*FeedbackOutbox)(nil)
