package domain

import (
	"fmt"
	"time"
)

// ContextPayload is the metadata resolved for an identifier.
type ContextPayload struct {
	Identifier string         `json:"identifier"`
	Data       map[string]any `json:"data,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Hit        bool           `json:"hit"`
}

type FusionFlags struct {
	ContextMissing   bool `json:"context_missing"`
	SensorsStale     bool `json:"sensors_stale"`
	DeadlineExceeded bool `json:"deadline_exceeded,omitempty"`
}

// FusionRecord is the unit handed to inference. Timestamp is the time of the
// physical event, not the processing time.
type FusionRecord struct {
	Identifier   string         `json:"identifier"`
	SourceDevice string         `json:"source_device"`
	Context      ContextPayload `json:"context"`
	Snapshot     SensorSnapshot `json:"snapshot"`
	Health       DeviceHealth   `json:"device_health"`
	Timestamp    time.Time      `json:"timestamp"`
	CreatedAt    time.Time      `json:"created_at"`
	Flags        FusionFlags    `json:"flags"`
}

// UnscoredLabel marks a record that never received a prediction.
const UnscoredLabel = "unscored"

type Prediction struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

func UnscoredPrediction() Prediction {
	return Prediction{Label: UnscoredLabel}
}

func (p Prediction) Unscored() bool { return p.Label == UnscoredLabel }

// LabeledRecord (LDO) is the terminal, append-only artifact.
type LabeledRecord struct {
	ID           string       `json:"id" db:"id"`
	Fusion       FusionRecord `json:"fusion"`
	Label        string       `json:"label" db:"label"`
	Confidence   float64      `json:"confidence" db:"confidence"`
	ModelVersion string       `json:"model_version" db:"model_version"`
	EmittedAt    time.Time    `json:"emitted_at" db:"emitted_at"`
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackResolved FeedbackStatus = "resolved"
)

// FeedbackItem is a low-confidence record awaiting human review.
type FeedbackItem struct {
	RecordID      string         `json:"record_id" db:"record_id"`
	Priority      Priority       `json:"priority" db:"priority"`
	Confidence    float64        `json:"confidence" db:"confidence"`
	Label         string         `json:"label" db:"label"`
	EnqueuedAt    time.Time      `json:"enqueued_at" db:"enqueued_at"`
	Status        FeedbackStatus `json:"status" db:"status"`
	ResolvedBy    string         `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedLabel string         `json:"resolved_label,omitempty" db:"resolved_label"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Resolution is the reviewer's verdict on a feedback item.
type Resolution struct {
	By    string `json:"by"`
	Label string `json:"label"`
}

// Resolve moves the item from pending to resolved exactly once.
func (f *FeedbackItem) Resolve(r Resolution, at time.Time) error {
	if f.Status == FeedbackResolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, f.RecordID)
	}
	f.Status = FeedbackResolved
	f.ResolvedBy = r.By
	f.ResolvedLabel = r.Label
	f.ResolvedAt = &at
	return nil
}
