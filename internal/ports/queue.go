package ports

import "github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"

type QueuedFeedback struct {
	ID   WALEntryID
	Item *domain.FeedbackItem
}

// FeedbackBuffer holds WAL-backed feedback items awaiting delivery.
type FeedbackBuffer interface {
	Enqueue(id WALEntryID, item *domain.FeedbackItem) bool
	DequeueBatch(max int) []QueuedFeedback
	// Requeue returns undelivered items to the head of the buffer.
	Requeue(items []QueuedFeedback)
	Len() int
}
