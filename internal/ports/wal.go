package ports

import "github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"

type WALEntryID uint64

// WAL persists feedback items until they are delivered to the feedback queue.
type WAL interface {
	Append(item *domain.FeedbackItem) (WALEntryID, error)
	Iterate(from WALEntryID, fn func(id WALEntryID, item *domain.FeedbackItem) error) error
	Commit(upto WALEntryID) error
	TruncateCommitted() error
	Stats() WALStats
}

type WALStats struct {
	OldestUncommitted WALEntryID
	LatestAppended    WALEntryID
	SizeBytes         int64
}
