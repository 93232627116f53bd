// Package store provides the key-value persistence layer for customs
// records. The cache is the only durable state the service has; a missing or
// unreadable key is never an error at the call sites, it means "no history
// yet".
package store

import (
	"context"
	"time"
)

// Store is the minimal cache contract the decision engine needs: get a raw
// value, set a raw value with a TTL. Implementations must report a missing
// key via the found flag, not an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
