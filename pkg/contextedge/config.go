package contextedge

import (
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/contextcache"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/feedback"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/config"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/device"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy bounds the feedback outbox WAL and buffer.
	Policy = ports.Policy
	// BackoffConfig drives device reconnect scheduling.
	BackoffConfig = device.BackoffConfig
	// RedisConfig configures the context lookup client.
	RedisConfig = contextcache.Config
	// FusionConfig holds debounce, deadline and freshness bounds.
	FusionConfig = pipeline.FusionConfig
	// RetryConfig is a capped exponential retry schedule.
	RetryConfig     = pipeline.RetryConfig
	InferenceConfig = inference.Config
	EmitterConfig   = config.EmitterConfig
	FeedbackConfig  = config.FeedbackConfig
	PostgresConfig  = store.Config
	NATSConfig      = feedback.Config
	OutboxConfig    = config.OutboxConfig
	HTTPConfig      = config.HTTPConfig
	MetricsConfig   = config.MetricsConfig
)

const (
	BackendPostgres = config.BackendPostgres
	BackendNATS     = config.BackendNATS
)

// LoadConfig loads YAML from disk, applies CONTEXTEDGE_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
