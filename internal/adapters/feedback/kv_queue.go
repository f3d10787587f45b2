// Package feedback stores review items in a NATS JetStream key-value bucket.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	DefaultBucket = "contextedge_feedback"

	resolveAttempts    = 3
	resolveBackoffBase = 5 * time.Millisecond
	resolveBackoffCap  = 50 * time.Millisecond
)

var errConcurrentUpdate = errors.New("concurrent modification")

type Config struct {
	URL     string        `yaml:"url"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// bucket is the subset of jetstream.KeyValue the queue relies on.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// KVQueue keeps one JSON entry per record id. Create gives idempotent enqueue
// and revision-checked Update gives resolve-once.
type KVQueue struct {
	kv      bucket
	nc      *nats.Conn
	timeout time.Duration
	now     func() time.Time
}

// Connect dials NATS and creates the bucket if it does not exist.
func Connect(ctx context.Context, cfg Config) (*KVQueue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url is required", domain.ErrConfig)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("contextedge-feedback"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "context edge feedback queue",
		History:     5,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}
	q := newKVQueue(kv, cfg.Timeout)
	q.nc = nc
	return q, nil
}

func newKVQueue(kv bucket, timeout time.Duration) *KVQueue {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &KVQueue{kv: kv, timeout: timeout, now: time.Now}
}

func (q *KVQueue) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.timeout)
}

func (q *KVQueue) Enqueue(ctx context.Context, item domain.FeedbackItem) error {
	ctx, cancel := q.applyTimeout(ctx)
	defer cancel()

	if item.Status == "" {
		item.Status = domain.FeedbackPending
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal feedback %s: %w", item.RecordID, err)
	}
	if _, err := q.kv.Create(ctx, item.RecordID, data); err != nil {
		if isConflict(err) {
			return nil
		}
		return fmt.Errorf("kv create %s: %w", item.RecordID, err)
	}
	return nil
}

// Resolve retries the revision-checked update on a short backoff when a
// concurrent writer wins the race.
func (q *KVQueue) Resolve(ctx context.Context, recordID string, r domain.Resolution) (domain.FeedbackItem, error) {
	ctx, cancel := q.applyTimeout(ctx)
	defer cancel()

	var resolved domain.FeedbackItem
	op := func() error {
		item, rev, err := q.load(ctx, recordID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := item.Resolve(r, q.now().UTC()); err != nil {
			return backoff.Permanent(err)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal feedback %s: %w", recordID, err))
		}
		if _, err := q.kv.Update(ctx, recordID, data, rev); err != nil {
			if isConflict(err) {
				return fmt.Errorf("resolve %s: %w", recordID, errConcurrentUpdate)
			}
			return backoff.Permanent(fmt.Errorf("kv update %s: %w", recordID, err))
		}
		resolved = item
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = resolveBackoffBase
	bo.MaxInterval = resolveBackoffCap
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, resolveAttempts-1), ctx)); err != nil {
		return domain.FeedbackItem{}, err
	}
	return resolved, nil
}

func (q *KVQueue) load(ctx context.Context, recordID string) (domain.FeedbackItem, uint64, error) {
	entry, err := q.kv.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return domain.FeedbackItem{}, 0, fmt.Errorf("%w: %s", domain.ErrFeedbackNotFound, recordID)
		}
		return domain.FeedbackItem{}, 0, fmt.Errorf("kv get %s: %w", recordID, err)
	}
	var item domain.FeedbackItem
	if err := json.Unmarshal(entry.Value(), &item); err != nil {
		return domain.FeedbackItem{}, 0, fmt.Errorf("decode feedback %s: %w", recordID, err)
	}
	return item, entry.Revision(), nil
}

// ListPending walks the bucket keys. High priority items come first, then by
// enqueue time.
func (q *KVQueue) ListPending(ctx context.Context, limit int) ([]domain.FeedbackItem, error) {
	ctx, cancel := q.applyTimeout(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}

	lister, err := q.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []domain.FeedbackItem{}, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	items := []domain.FeedbackItem{}
	for key := range lister.Keys() {
		item, _, err := q.load(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrFeedbackNotFound) {
				continue
			}
			return nil, err
		}
		if item.Status == domain.FeedbackPending {
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority == domain.PriorityHigh
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (q *KVQueue) Close() error {
	if q.nc != nil {
		return q.nc.Drain()
	}
	return nil
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}

var _ ports.FeedbackQueue = (*KVQueue)(nil)
