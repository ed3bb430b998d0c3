package backends

import (
	"context"
	"time"
)

// NoExpiration is the TTL meaning "cache forever". Templates are stored with
// it because their cache key already carries the template tag.
const NoExpiration time.Duration = 0

// Backend defines the interface for the cache storage used by the plugit client.
//
// Implementations can be swapped to use different storage mechanisms.
//
// Implementations must be safe for concurrent use. Values are opaque bytes and
// must be returned exactly as they were stored.
type Backend interface {
	// Get retrieves a value from the cache.
	// miss is true when the key is absent or its entry has expired; in that
	// case value is nil. err is only set for storage failures.
	Get(ctx context.Context, key string) (value []byte, miss bool, err error)

	// Set stores a value under key for ttl. A ttl of NoExpiration keeps the
	// entry until it is evicted or cleared. Negative ttls are rejected.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close performs any cleanup operations needed by the backend.
	Close() error

	// Clear removes all entries from the cache.
	Clear() error
}

// expiresAt converts a ttl into an absolute expiry. The zero time means never.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl == NoExpiration {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, expiry time.Time) bool {
	return !expiry.IsZero() && !now.Before(expiry)
}
