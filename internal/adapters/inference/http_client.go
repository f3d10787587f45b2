// Package inference talks to the external model service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

type Config struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Request is the wire form of a fusion record.
type Request struct {
	Identifier   string              `json:"identifier"`
	SourceDevice string              `json:"source_device"`
	Timestamp    time.Time           `json:"timestamp"`
	CreatedAt    time.Time           `json:"created_at"`
	Context      map[string]any      `json:"context"`
	ContextHit   bool                `json:"context_hit"`
	Sensors      map[string]float64  `json:"sensors"`
	Health       domain.DeviceHealth `json:"device_health"`
	Flags        domain.FusionFlags  `json:"flags"`
}

type response struct {
	Label        string   `json:"label"`
	Confidence   *float64 `json:"confidence"`
	ModelVersion string   `json:"model_version"`
}

func NewRequest(rec domain.FusionRecord) Request {
	ctxData := rec.Context.Data
	if ctxData == nil {
		ctxData = map[string]any{}
	}
	return Request{
		Identifier:   rec.Identifier,
		SourceDevice: rec.SourceDevice,
		Timestamp:    rec.Timestamp,
		CreatedAt:    rec.CreatedAt,
		Context:      ctxData,
		ContextHit:   rec.Context.Hit,
		Sensors:      rec.Snapshot.Values(),
		Health:       rec.Health,
		Flags:        rec.Flags,
	}
}

// HTTPClient posts fusion records to the inference service as JSON.
type HTTPClient struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	obs      ports.Observability
}

func NewHTTPClient(cfg Config, obs ports.Observability) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: inference endpoint is required", domain.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		http:     &http.Client{},
		obs:      obs,
	}, nil
}

func (c *HTTPClient) Predict(ctx context.Context, rec domain.FusionRecord) (domain.Prediction, error) {
	body, err := json.Marshal(NewRequest(rec))
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("%w: encode request: %v", domain.ErrInferenceUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return domain.Prediction{}, fmt.Errorf("%w: status %d", domain.ErrInferenceUnavailable, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return domain.Prediction{}, fmt.Errorf("%w: decode response: %v", domain.ErrInferenceUnavailable, err)
	}
	return c.validate(rec.Identifier, out)
}

// validate enforces confidence in [0,1]. Finite values outside the range are
// clamped; missing or non-finite values make the prediction unusable.
func (c *HTTPClient) validate(identifier string, out response) (domain.Prediction, error) {
	if out.Label == "" {
		return domain.Prediction{}, fmt.Errorf("%w: empty label", domain.ErrInferenceUnavailable)
	}
	if out.Confidence == nil {
		return domain.Prediction{}, fmt.Errorf("%w: missing confidence", domain.ErrInferenceUnavailable)
	}
	conf := *out.Confidence
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return domain.Prediction{}, fmt.Errorf("%w: confidence %v", domain.ErrInferenceUnavailable, conf)
	}
	if clamped := Clamp(conf); clamped != conf {
		c.obs.LogWarn("inference_confidence_clamped",
			ports.Field{Key: "identifier", Value: identifier},
			ports.Field{Key: "confidence", Value: conf},
			ports.Field{Key: "clamped", Value: clamped})
		conf = clamped
	}
	return domain.Prediction{Label: out.Label, Confidence: conf, ModelVersion: out.ModelVersion}, nil
}

func Clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var _ ports.Predictor = (*HTTPClient)(nil)
