package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching decisions and counters.
// Supports in-memory LRU (Community) or Redis (Pro), optionally two-phase.
// All methods require affiliateID for strict multi-tenancy isolation.
type Cache interface {
	// Raw byte operations.
	Get(ctx context.Context, affiliateID string, key string) ([]byte, error)
	Set(ctx context.Context, affiliateID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, affiliateID string, key string) error

	// Decision caching (latest decision per application).
	GetDecision(ctx context.Context, affiliateID string, appID string) (*Decision, error)
	SetDecision(ctx context.Context, affiliateID string, appID string, d *Decision, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter, used for
	// per-affiliate submission velocity.
	IncrementCounter(ctx context.Context, affiliateID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local (LRU) settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase wraps Redis with a local LRU front.
	EnableTwoPhase bool
}
