package device

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig drives reconnect scheduling: min(base*2^failures, cap) with
// jitter, giving up after MaxAttempts consecutive failures.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Cap <= 0 {
		c.Cap = 30 * time.Second
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	return c
}

func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.Base),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(c.Cap),
		backoff.WithRandomizationFactor(c.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	b.Reset()
	return b
}
