package ports

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

// RecordStore is append-only: records are never updated once written.
type RecordStore interface {
	Append(ctx context.Context, rec domain.LabeledRecord) error
}

// FeedbackQueue holds items for human review. Enqueue is idempotent on RecordID.
type FeedbackQueue interface {
	Enqueue(ctx context.Context, item domain.FeedbackItem) error
	Resolve(ctx context.Context, recordID string, r domain.Resolution) (domain.FeedbackItem, error)
	ListPending(ctx context.Context, limit int) ([]domain.FeedbackItem, error)
}
