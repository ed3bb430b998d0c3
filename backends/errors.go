package backends

import (
	"errors"
	"fmt"
	"time"
)

// ErrNegativeTTL is returned by Set when asked to store an entry that has
// already expired. Callers are expected to skip the write instead.
var ErrNegativeTTL = errors.New("negative ttl")

func checkTTL(key string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("set %q: %w (%s)", key, ErrNegativeTTL, ttl)
	}
	return nil
}
