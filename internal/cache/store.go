// Package cache provides the shared TTL key-value store backing all
// ephemeral authentication state: in-flight WebAuthn ceremony data,
// pending-registration single-use markers, and SSO state parameters.
// Externalizing this state keeps the service horizontally scalable; the
// in-memory implementation exists only as a single-instance development
// fallback.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMiss is returned when a key is absent or has expired.
	ErrMiss = errors.New("cache: key not found")

	// ErrBackend is returned when the backing store is unreachable.
	ErrBackend = errors.New("cache: backend unavailable")
)

// Store is a TTL-expiring key-value store.
type Store interface {
	// Set stores value under key for the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically returns and removes the value for key, or ErrMiss.
	// This is the primitive behind single-use tokens: two concurrent
	// consumers cannot both succeed.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
