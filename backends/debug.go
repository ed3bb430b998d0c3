package backends

import (
	"context"
	"log/slog"
	"time"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "cache"),
	}
}

// Get retrieves a value from the cache with debug logging.
func (d *Debug) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, miss, err := d.backend.Get(ctx, key)

	switch {
	case err != nil:
		d.logger.Debug("cache get failed", "key", key, "error", err)
	case miss:
		d.logger.Debug("cache miss", "key", key)
	default:
		d.logger.Debug("cache hit", "key", key, "size", len(value))
	}

	return value, miss, err
}

// Set stores a value in the cache with debug logging.
func (d *Debug) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := d.backend.Set(ctx, key, value, ttl)

	if err != nil {
		d.logger.Debug("cache set failed", "key", key, "ttl", ttl, "error", err)
		return err
	}

	if ttl == NoExpiration {
		d.logger.Debug("cache set", "key", key, "size", len(value), "ttl", "forever")
	} else {
		d.logger.Debug("cache set", "key", key, "size", len(value), "ttl", ttl)
	}
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("cache close failed", "error", err)
	}
	return err
}

// Clear removes all entries from the cache with debug logging.
func (d *Debug) Clear() error {
	err := d.backend.Clear()
	if err != nil {
		d.logger.Debug("cache clear failed", "error", err)
		return err
	}
	d.logger.Debug("cache cleared")
	return nil
}
