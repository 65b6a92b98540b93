package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU plus Redis.
// All methods require userID for strict per-user isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, userID string, key string) error

	// IncrementCounter atomically increments a counter and returns the
	// new value. Used for run accounting.
	IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
