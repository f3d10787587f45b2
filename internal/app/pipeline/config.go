package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig is a capped exponential retry schedule.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Cap      time.Duration `yaml:"cap"`
}

func (r RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.Base),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(r.Cap),
		backoff.WithRandomizationFactor(0.2),
		backoff.WithMaxElapsedTime(0),
	)
	b.Reset()
	return b
}

type FusionConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	Deadline       time.Duration `yaml:"deadline"`
	Freshness      time.Duration `yaml:"freshness"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	EmitTimeout    time.Duration `yaml:"emit_timeout"`
	ContextRetry   RetryConfig   `yaml:"context_retry"`
}

func (c FusionConfig) WithDefaults() FusionConfig {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 2 * time.Second
	}
	if c.Freshness <= 0 {
		c.Freshness = 5 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.ContextRetry.Attempts <= 0 {
		c.ContextRetry.Attempts = 3
	}
	if c.ContextRetry.Base <= 0 {
		c.ContextRetry.Base = 50 * time.Millisecond
	}
	if c.ContextRetry.Cap <= 0 {
		c.ContextRetry.Cap = 200 * time.Millisecond
	}
	return c
}

// EmitterConfig holds the confidence bands. Both thresholds are required;
// there is no built-in default.
type EmitterConfig struct {
	ThresholdLow  float64
	ThresholdHigh float64
}

// OutboxConfig drives redelivery of feedback items to the queue backend.
type OutboxConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

func (c OutboxConfig) WithDefaults() OutboxConfig {
	if c.Retry.Base <= 0 {
		c.Retry.Base = 100 * time.Millisecond
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = 5 * time.Second
	}
	return c
}
