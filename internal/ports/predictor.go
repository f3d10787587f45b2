package ports

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

// Predictor scores a fusion record. Failures wrap domain.ErrInferenceUnavailable.
type Predictor interface {
	Predict(ctx context.Context, rec domain.FusionRecord) (domain.Prediction, error)
}
