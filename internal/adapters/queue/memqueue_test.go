package queue

import (
	"testing"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

func TestMemQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewMemQueue(4)

	f1 := &domain.FeedbackItem{RecordID: "LDO-1"}
	f2 := &domain.FeedbackItem{RecordID: "LDO-2"}

	if !q.Enqueue(1, f1) || !q.Enqueue(2, f2) {
		t.Fatalf("expected successful enqueue")
	}

	batch := q.DequeueBatch(1)
	if len(batch) != 1 || batch[0].ID != 1 || batch[0].Item.RecordID != "LDO-1" {
		t.Fatalf("unexpected first batch: %+v", batch)
	}

	remaining := q.DequeueBatch(10)
	if len(remaining) != 1 || remaining[0].ID != 2 {
		t.Fatalf("unexpected second batch: %+v", remaining)
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, got %d", q.Len())
	}
}

func TestMemQueueCapacity(t *testing.T) {
	q := NewMemQueue(2)
	item := &domain.FeedbackItem{RecordID: "cap"}

	if !q.Enqueue(1, item) || !q.Enqueue(2, item) {
		t.Fatalf("expected enqueue within capacity")
	}
	if q.Enqueue(3, item) {
		t.Fatalf("enqueue should fail when capacity exceeded")
	}

	q.DequeueBatch(1)
	if !q.Enqueue(4, item) {
		t.Fatalf("expected enqueue to succeed after dequeue")
	}
}

func TestMemQueueRequeueKeepsOrder(t *testing.T) {
	q := NewMemQueue(4)
	q.Enqueue(1, &domain.FeedbackItem{RecordID: "LDO-1"})
	q.Enqueue(2, &domain.FeedbackItem{RecordID: "LDO-2"})

	batch := q.DequeueBatch(1)
	q.Enqueue(3, &domain.FeedbackItem{RecordID: "LDO-3"})
	q.Requeue(batch)

	got := q.DequeueBatch(0)
	want := []ports.WALEntryID{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected id %d, got %d", i, id, got[i].ID)
		}
	}
}

func TestMemQueueWrapsAndGrows(t *testing.T) {
	q := NewMemQueue(200)
	next := ports.WALEntryID(1)
	push := func(n int) {
		for i := 0; i < n; i++ {
			if !q.Enqueue(next, &domain.FeedbackItem{}) {
				t.Fatalf("enqueue %d refused", next)
			}
			next++
		}
	}

	// wrap the initial ring, then force it to grow while wrapped
	push(50)
	q.DequeueBatch(40)
	push(50)
	push(100)

	if q.Len() != 160 {
		t.Fatalf("expected 160 queued, got %d", q.Len())
	}
	got := q.DequeueBatch(0)
	for i, it := range got {
		if want := ports.WALEntryID(41 + i); it.ID != want {
			t.Fatalf("position %d: expected id %d, got %d", i, want, it.ID)
		}
	}
}

func TestMemQueueRequeuePastLimit(t *testing.T) {
	q := NewMemQueue(2)
	q.Enqueue(1, &domain.FeedbackItem{})
	q.Enqueue(2, &domain.FeedbackItem{})
	batch := q.DequeueBatch(0)
	q.Enqueue(3, &domain.FeedbackItem{})

	q.Requeue(batch)
	if q.Len() != 3 {
		t.Fatalf("expected requeue to exceed the limit, got %d", q.Len())
	}
	if q.Enqueue(4, &domain.FeedbackItem{}) {
		t.Fatalf("enqueue should be refused while over the limit")
	}
}
