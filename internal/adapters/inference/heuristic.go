package inference

import (
	"context"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const HeuristicVersion = "heuristic-v1"

type limit struct {
	sensor string
	above  bool
	value  float64
}

var defectLimits = []limit{
	{sensor: "temperature", above: true, value: 90},
	{sensor: "vibration", above: true, value: 5},
	{sensor: "pressure", above: false, value: 80},
	{sensor: "cycle_time", above: true, value: 30},
}

// Heuristic scores records locally from fixed sensor limits. It is used when
// no inference endpoint is configured. Missing sensors do not count as
// violations, and a record with no usable readings scores low so it is
// routed to review.
type Heuristic struct{}

func (Heuristic) Predict(_ context.Context, rec domain.FusionRecord) (domain.Prediction, error) {
	values := rec.Snapshot.Values()
	if len(values) == 0 {
		return domain.Prediction{Label: "good", Confidence: 0.3, ModelVersion: HeuristicVersion}, nil
	}

	violations := 0
	for _, l := range defectLimits {
		v, ok := values[l.sensor]
		if !ok {
			continue
		}
		if (l.above && v > l.value) || (!l.above && v < l.value) {
			violations++
		}
	}

	p := domain.Prediction{Label: "good", Confidence: 0.9, ModelVersion: HeuristicVersion}
	if violations > 0 {
		p.Label = "defective"
		p.Confidence = Clamp(0.75 + 0.05*float64(violations-1))
	}
	if rec.Flags.SensorsStale {
		p.Confidence -= 0.2
	}
	return p, nil
}

var _ ports.Predictor = Heuristic{}
