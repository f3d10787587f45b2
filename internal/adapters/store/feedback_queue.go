package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	feedbackColumns = `record_id, priority, confidence, label, enqueued_at, status, COALESCE(resolved_by, '') AS resolved_by, COALESCE(resolved_label, '') AS resolved_label, resolved_at`

	insertFeedback = `INSERT INTO feedback_queue (record_id, priority, confidence, label, enqueued_at, status) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (record_id) DO NOTHING`

	resolveFeedback = `UPDATE feedback_queue SET status = 'resolved', resolved_by = $2, resolved_label = $3, resolved_at = $4 WHERE record_id = $1 AND status = 'pending' RETURNING ` + feedbackColumns

	feedbackStatus = `SELECT status FROM feedback_queue WHERE record_id = $1`

	listPending = `SELECT ` + feedbackColumns + ` FROM feedback_queue WHERE status = 'pending' ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, enqueued_at LIMIT $1`
)

// FeedbackQueue keeps review items in the feedback_queue table.
type FeedbackQueue struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewFeedbackQueue(db *sqlx.DB) *FeedbackQueue {
	return &FeedbackQueue{db: db, now: time.Now}
}

func (q *FeedbackQueue) Enqueue(ctx context.Context, item domain.FeedbackItem) error {
	status := item.Status
	if status == "" {
		status = domain.FeedbackPending
	}
	_, err := q.db.ExecContext(ctx, insertFeedback,
		item.RecordID,
		string(item.Priority),
		item.Confidence,
		item.Label,
		item.EnqueuedAt,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("enqueue feedback %s: %w", item.RecordID, err)
	}
	return nil
}

// Resolve flips a pending item to resolved in a single conditional update.
func (q *FeedbackQueue) Resolve(ctx context.Context, recordID string, r domain.Resolution) (domain.FeedbackItem, error) {
	var item domain.FeedbackItem
	err := q.db.QueryRowxContext(ctx, resolveFeedback, recordID, r.By, r.Label, q.now().UTC()).StructScan(&item)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.FeedbackItem{}, fmt.Errorf("resolve feedback %s: %w", recordID, err)
	}

	var status string
	err = q.db.GetContext(ctx, &status, feedbackStatus, recordID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.FeedbackItem{}, fmt.Errorf("%w: %s", domain.ErrFeedbackNotFound, recordID)
	case err != nil:
		return domain.FeedbackItem{}, fmt.Errorf("resolve feedback %s: %w", recordID, err)
	default:
		return domain.FeedbackItem{}, fmt.Errorf("%w: %s", domain.ErrAlreadyResolved, recordID)
	}
}

// ListPending returns pending items, high priority first, oldest first.
func (q *FeedbackQueue) ListPending(ctx context.Context, limit int) ([]domain.FeedbackItem, error) {
	if limit <= 0 {
		limit = 100
	}
	items := []domain.FeedbackItem{}
	if err := q.db.SelectContext(ctx, &items, listPending, limit); err != nil {
		return nil, fmt.Errorf("list pending feedback: %w", err)
	}
	return items, nil
}

var _ ports.FeedbackQueue = (*FeedbackQueue)(nil)
