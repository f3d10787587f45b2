package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// FeedbackSink accepts review items for asynchronous delivery.
type FeedbackSink interface {
	Submit(ctx context.Context, item domain.FeedbackItem) error
}

// Emitter persists labeled records and routes low-confidence ones to review.
type Emitter struct {
	records  ports.RecordStore
	feedback FeedbackSink
	low      float64
	high     float64
	obs      ports.Observability
	now      func() time.Time
	newID    func() string
}

func NewEmitter(records ports.RecordStore, feedback FeedbackSink, cfg EmitterConfig, obs ports.Observability) (*Emitter, error) {
	if cfg.ThresholdLow < 0 || cfg.ThresholdHigh > 1 || cfg.ThresholdLow > cfg.ThresholdHigh {
		return nil, fmt.Errorf("%w: thresholds must satisfy 0 <= low <= high <= 1 (low=%v high=%v)",
			domain.ErrConfig, cfg.ThresholdLow, cfg.ThresholdHigh)
	}
	return &Emitter{
		records:  records,
		feedback: feedback,
		low:      cfg.ThresholdLow,
		high:     cfg.ThresholdHigh,
		obs:      obs,
		now:      time.Now,
		newID:    func() string { return "LDO-" + uuid.NewString() },
	}, nil
}

// Triage maps a prediction to a review priority. ok is false when the record
// is confident enough to skip review.
func (e *Emitter) Triage(p domain.Prediction) (domain.Priority, bool) {
	switch {
	case p.Unscored():
		return domain.PriorityHigh, true
	case p.Confidence < e.low:
		return domain.PriorityHigh, true
	case p.Confidence < e.high:
		return domain.PriorityNormal, true
	default:
		return "", false
	}
}

// Emit persists the record and, when triage requires it, hands a feedback
// item to the outbox. A failed hand-off is logged but never undoes the
// persisted record.
func (e *Emitter) Emit(ctx context.Context, fusion domain.FusionRecord, p domain.Prediction) (domain.LabeledRecord, *domain.FeedbackItem, error) {
	p = sanitize(p)
	rec := domain.LabeledRecord{
		ID:           e.newID(),
		Fusion:       fusion,
		Label:        p.Label,
		Confidence:   p.Confidence,
		ModelVersion: p.ModelVersion,
		EmittedAt:    e.now().UTC(),
	}

	if err := e.records.Append(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		e.obs.IncCounter(ports.MetricPersistenceFailed, 1)
		e.obs.LogCritical("record_persist_failed", err,
			ports.Field{Key: "record_id", Value: rec.ID},
			ports.Field{Key: "identifier", Value: fusion.Identifier})
		return rec, nil, err
	}
	e.obs.IncCounter(ports.MetricRecordsEmitted, 1)
	if p.Unscored() {
		e.obs.IncCounter(ports.MetricRecordsUnscored, 1)
	}

	prio, review := e.Triage(p)
	if !review {
		return rec, nil, nil
	}
	item := domain.FeedbackItem{
		RecordID:   rec.ID,
		Priority:   prio,
		Confidence: rec.Confidence,
		Label:      rec.Label,
		EnqueuedAt: rec.EmittedAt,
		Status:     domain.FeedbackPending,
	}
	if prio == domain.PriorityHigh {
		e.obs.IncCounter(ports.MetricFeedbackHigh, 1)
	} else {
		e.obs.IncCounter(ports.MetricFeedbackNormal, 1)
	}
	if err := e.feedback.Submit(ctx, item); err != nil {
		e.obs.IncCounter(ports.MetricFeedbackDropped, 1)
		e.obs.LogError("feedback_submit_failed", err, ports.Field{Key: "record_id", Value: rec.ID})
	}
	return rec, &item, nil
}

// sanitize keeps confidence inside [0,1]. A non-finite score is treated as
// no score at all.
func sanitize(p domain.Prediction) domain.Prediction {
	if p.Unscored() {
		p.Confidence = 0
		return p
	}
	if math.IsNaN(p.Confidence) || math.IsInf(p.Confidence, 0) || p.Label == "" {
		u := domain.UnscoredPrediction()
		u.ModelVersion = p.ModelVersion
		return u
	}
	p.Confidence = math.Max(0, math.Min(1, p.Confidence))
	return p
}
