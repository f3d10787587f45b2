package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/contextcache"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/feedback"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/inference"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/store"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/device"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/app/pipeline"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	BackendPostgres = "postgres"
	BackendNATS     = "nats"

	EnvPrefix = "CONTEXTEDGE"
)

type Config struct {
	Devices   []domain.Device       `yaml:"devices"`
	Backoff   device.BackoffConfig  `yaml:"backoff"`
	Redis     contextcache.Config   `yaml:"redis"`
	Fusion    pipeline.FusionConfig `yaml:"fusion"`
	Inference inference.Config      `yaml:"inference"`
	Emitter   EmitterConfig         `yaml:"emitter"`
	Feedback  FeedbackConfig        `yaml:"feedback"`
	Postgres  store.Config          `yaml:"postgres"`
	NATS      feedback.Config       `yaml:"nats"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	HTTP      HTTPConfig            `yaml:"http"`
	Metrics   MetricsConfig         `yaml:"metrics"`
}

// EmitterConfig uses pointers so a missing threshold can be told apart from 0.
type EmitterConfig struct {
	ThresholdLow  *float64 `yaml:"threshold_low"`
	ThresholdHigh *float64 `yaml:"threshold_high"`
}

// Thresholds returns the validated bands. Call only after Load succeeded.
func (e EmitterConfig) Thresholds() pipeline.EmitterConfig {
	var out pipeline.EmitterConfig
	if e.ThresholdLow != nil {
		out.ThresholdLow = *e.ThresholdLow
	}
	if e.ThresholdHigh != nil {
		out.ThresholdHigh = *e.ThresholdHigh
	}
	return out
}

type FeedbackConfig struct {
	Backend string `yaml:"backend"`
}

type OutboxConfig struct {
	Policy ports.Policy         `yaml:"policy"`
	WALDir string               `yaml:"wal_dir"`
	Retry  pipeline.RetryConfig `yaml:"retry"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	GaugeInterval time.Duration `yaml:"gauge_interval"`
}

// Load reads the YAML file at path, applies environment overrides, fills
// defaults and validates the result. Every failure wraps domain.ErrConfig.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	return &cfg, nil
}

// applyEnv lets CONTEXTEDGE_<SECTION>_<KEY> override endpoints and secrets,
// e.g. CONTEXTEDGE_POSTGRES_DSN.
func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"redis.addr":         &c.Redis.Addr,
		"redis.password":     &c.Redis.Password,
		"redis.namespace":    &c.Redis.Namespace,
		"postgres.dsn":       &c.Postgres.DSN,
		"nats.url":           &c.NATS.URL,
		"nats.bucket":        &c.NATS.Bucket,
		"inference.endpoint": &c.Inference.Endpoint,
		"feedback.backend":   &c.Feedback.Backend,
		"outbox.wal_dir":     &c.Outbox.WALDir,
		"http.addr":          &c.HTTP.Addr,
	}
	for key, dst := range strs {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}

	floats := map[string]**float64{
		"emitter.threshold_low":  &c.Emitter.ThresholdLow,
		"emitter.threshold_high": &c.Emitter.ThresholdHigh,
	}
	for key, dst := range floats {
		if v.GetString(key) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfig, key, err)
		}
		*dst = &f
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Fusion = c.Fusion.WithDefaults()

	if c.Feedback.Backend == "" {
		c.Feedback.Backend = BackendPostgres
	}
	c.Feedback.Backend = strings.ToLower(c.Feedback.Backend)

	if c.Outbox.Policy.MaxWALSizeBytes == 0 {
		c.Outbox.Policy.MaxWALSizeBytes = 1 << 30
	}
	if c.Outbox.Policy.MaxQueueLen == 0 {
		c.Outbox.Policy.MaxQueueLen = 10_000
	}
	if c.Outbox.Policy.MaxBatchSize == 0 {
		c.Outbox.Policy.MaxBatchSize = 100
	}
	if c.Outbox.Policy.IdleSleep == 0 {
		c.Outbox.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Outbox.Policy.OnWALFull == "" {
		c.Outbox.Policy.OnWALFull = "block"
	}
	if c.Outbox.WALDir == "" {
		c.Outbox.WALDir = "./data/outbox"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9100"
	}
	if c.Metrics.GaugeInterval <= 0 {
		c.Metrics.GaugeInterval = 5 * time.Second
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		d.ID = strings.TrimSpace(d.ID)
		if d.PollInterval <= 0 {
			d.PollInterval = time.Second
		}
		if d.ReadTimeout <= 0 {
			d.ReadTimeout = 2 * time.Second
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}

		kind, err := domain.ParseProtocolKind(string(d.Protocol))
		if err != nil {
			return fmt.Errorf("device %s: %v", d.ID, err)
		}
		d.Protocol = kind
		if d.Endpoint == "" {
			return fmt.Errorf("device %s: endpoint is required", d.ID)
		}
		if len(d.Sensors) == 0 {
			return fmt.Errorf("device %s: at least one sensor is required", d.ID)
		}
		for name, s := range d.Sensors {
			if strings.TrimSpace(s.Address) == "" {
				return fmt.Errorf("device %s: sensor %s: address is required", d.ID, name)
			}
		}
	}

	if c.Emitter.ThresholdLow == nil || c.Emitter.ThresholdHigh == nil {
		return fmt.Errorf("emitter.threshold_low and emitter.threshold_high are required")
	}
	low, high := *c.Emitter.ThresholdLow, *c.Emitter.ThresholdHigh
	if low < 0 || high > 1 || low > high {
		return fmt.Errorf("emitter thresholds must satisfy 0 <= low <= high <= 1 (low=%v high=%v)", low, high)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Feedback.Backend {
	case BackendPostgres:
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats feedback backend")
		}
	default:
		return fmt.Errorf("feedback.backend must be %q or %q, got %q", BackendPostgres, BackendNATS, c.Feedback.Backend)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}

	switch c.Outbox.Policy.OnWALFull {
	case "block", "drop":
	default:
		return fmt.Errorf("outbox.policy.on_wal_full must be block or drop")
	}
	return nil
}
