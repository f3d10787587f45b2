// Package contextcache resolves scanned identifiers against the Redis context tier.
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	defaultNamespace = "context"
	runtimeNamespace = "runtime"
	defaultScanCount = 50
	maxScanCount     = 100
)

type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Namespace   string        `yaml:"namespace"`
	ScanCount   int64         `yaml:"scan_count"`
	MaxRetries  int           `yaml:"max_retries"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if c.ScanCount <= 0 {
		c.ScanCount = defaultScanCount
	}
	if c.ScanCount > maxScanCount {
		c.ScanCount = maxScanCount
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	return c
}

// Resolver looks up `<namespace>:<identifier>` keys holding JSON objects.
// Bounded retries on transport errors are delegated to the redis client.
type Resolver struct {
	rdb       redis.UniversalClient
	namespace string
	scanCount int64
	obs       ports.Observability
	now       func() time.Time
}

// NewResolver dials Redis and verifies the connection before returning.
func NewResolver(cfg Config, obs ports.Observability) (*Resolver, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", domain.ErrConfig)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 64 * time.Millisecond,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.ReadTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(rdb, cfg, obs), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of its lifecycle
// unless Close is called.
func NewWithClient(rdb redis.UniversalClient, cfg Config, obs ports.Observability) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		rdb:       rdb,
		namespace: cfg.Namespace,
		scanCount: cfg.ScanCount,
		obs:       obs,
		now:       time.Now,
	}
}

func (r *Resolver) key(identifier string) string {
	return r.namespace + ":" + identifier
}

func (r *Resolver) Resolve(ctx context.Context, identifier string) ports.LookupResult {
	miss := ports.LookupResult{
		Status:  ports.LookupMiss,
		Payload: domain.ContextPayload{Identifier: identifier, ResolvedAt: r.now()},
	}

	raw, err := r.rdb.Get(ctx, r.key(identifier)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		miss.Err = fmt.Errorf("%w: %s", domain.ErrContextNotFound, identifier)
		return miss
	case err != nil:
		return ports.LookupResult{
			Status:  ports.LookupUnavailable,
			Payload: miss.Payload,
			Err:     fmt.Errorf("%w: %v", domain.ErrContextUnavailable, err),
		}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		r.obs.LogWarn("context_payload_malformed",
			ports.Field{Key: "identifier", Value: identifier},
			ports.Field{Key: "bytes", Value: len(raw)})
		miss.Err = fmt.Errorf("%w: %s: malformed payload", domain.ErrContextNotFound, identifier)
		return miss
	}

	return ports.LookupResult{
		Status: ports.LookupHit,
		Payload: domain.ContextPayload{
			Identifier: identifier,
			Data:       data,
			ResolvedAt: r.now(),
			Hit:        true,
		},
	}
}

// ScanPage returns one SCAN batch. It never issues KEYS.
func (r *Resolver) ScanPage(ctx context.Context, match string, cursor uint64) ([]string, uint64, error) {
	keys, next, err := r.rdb.Scan(ctx, cursor, match, r.scanCount).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: scan %q: %v", domain.ErrContextUnavailable, match, err)
	}
	return keys, next, nil
}

// RuntimeKeys returns one page of the `runtime:<device>:*` keys for a device.
func (r *Resolver) RuntimeKeys(ctx context.Context, deviceID string, cursor uint64) ([]string, uint64, error) {
	return r.ScanPage(ctx, RuntimePattern(deviceID), cursor)
}

func RuntimePattern(deviceID string) string {
	return runtimeNamespace + ":" + deviceID + ":*"
}

func (r *Resolver) Close() error {
	return r.rdb.Close()
}

var (
	_ ports.ContextResolver = (*Resolver)(nil)
	_ ports.KeyScanner      = (*Resolver)(nil)
)
