// Package cache provides the TTL key-value store shared by the token service
// and the risk evaluator. Two backends implement the same Store interface:
// Redis for multi-instance deployments and an in-process ristretto cache for
// single-node setups where no external dependency is wanted.
package cache

import (
	"context"
	"time"
)

// Store is a TTL-bounded key-value store. Implementations must treat an
// expired entry exactly like a missing one.
type Store interface {
	// Get returns the value for key, or found=false on miss or expiry.
	Get(ctx context.Context, key string) (value []byte, found bool)

	// Set stores value under key for the given TTL. A TTL <= 0 is rejected;
	// nothing in StreamVeil stores unbounded entries.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is reachable. The memory backend always
	// succeeds.
	Ping(ctx context.Context) error

	Close() error
}
