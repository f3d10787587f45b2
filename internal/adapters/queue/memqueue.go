package queue

import (
	"sync"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const initialSlots = 64

// MemQueue is a bounded FIFO of WAL-backed feedback items kept in a ring
// buffer. Requeued items may push it past its limit; new enqueues are then
// refused until it drains.
type MemQueue struct {
	mu    sync.Mutex
	ring  []ports.QueuedFeedback
	head  int
	n     int
	limit int
}

func NewMemQueue(limit int) *MemQueue {
	if limit <= 0 {
		limit = 1
	}
	return &MemQueue{
		ring:  make([]ports.QueuedFeedback, min(limit, initialSlots)),
		limit: limit,
	}
}

func (q *MemQueue) Enqueue(id ports.WALEntryID, item *domain.FeedbackItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n >= q.limit {
		return false
	}
	q.reserve(q.n + 1)
	q.ring[(q.head+q.n)%len(q.ring)] = ports.QueuedFeedback{ID: id, Item: item}
	q.n++
	return true
}

// DequeueBatch removes up to size items from the head; size <= 0 takes all.
func (q *MemQueue) DequeueBatch(size int) []ports.QueuedFeedback {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil
	}
	if size <= 0 || size > q.n {
		size = q.n
	}
	out := make([]ports.QueuedFeedback, size)
	for i := range out {
		slot := (q.head + i) % len(q.ring)
		out[i] = q.ring[slot]
		q.ring[slot] = ports.QueuedFeedback{}
	}
	q.head = (q.head + size) % len(q.ring)
	q.n -= size
	return out
}

// Requeue puts undelivered items back at the head, ahead of newer entries.
func (q *MemQueue) Requeue(items []ports.QueuedFeedback) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserve(q.n + len(items))
	q.head = (q.head - len(items) + len(q.ring)) % len(q.ring)
	for i, it := range items {
		q.ring[(q.head+i)%len(q.ring)] = it
	}
	q.n += len(items)
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// reserve grows the ring to hold at least size items, unwrapping it so the
// head sits at slot zero.
func (q *MemQueue) reserve(size int) {
	if size <= len(q.ring) {
		return
	}
	grown := make([]ports.QueuedFeedback, max(size, 2*len(q.ring)))
	for i := 0; i < q.n; i++ {
		grown[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = grown
	q.head = 0
}

var _ ports.FeedbackBuffer = (*MemQueue)(nil)
