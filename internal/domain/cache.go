package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU + Redis.
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRules retrieves the cached active-rule list for a tenant.
	// Returns nil, nil on cache miss.
	GetRules(ctx context.Context, tenantID string) ([]*NotificationRule, error)

	// SetRules caches the active-rule list for a tenant.
	SetRules(ctx context.Context, tenantID string, rules []*NotificationRule, ttl time.Duration) error

	// InvalidateRules drops the cached rule list after a mutation.
	InvalidateRules(ctx context.Context, tenantID string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used by the cooldown guard (dispatch count in a time window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
