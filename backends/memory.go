package backends

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
)

// DefaultMemoryEntries bounds the memory backend when no size is given.
const DefaultMemoryEntries = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Backend: a bounded LRU with per-entry expiry.
// Expired entries are dropped lazily when they are read.
type Memory struct {
	entries *lru.Cache[string, memoryEntry]
	clock   clock.Clock
}

// NewMemory creates a memory backend holding at most maxEntries values.
// A nil clk uses the wall clock.
func NewMemory(maxEntries int, clk clock.Clock) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	if clk == nil {
		clk = clock.WallClock
	}
	entries, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Memory{entries: entries, clock: clk}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	ent, ok := m.entries.Get(key)
	if !ok {
		return nil, true, nil
	}
	if expired(m.clock.Now(), ent.expiresAt) {
		m.entries.Remove(key)
		return nil, true, nil
	}
	return append([]byte(nil), ent.value...), false, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkTTL(key, ttl); err != nil {
		return err
	}
	m.entries.Add(key, memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt(m.clock.Now(), ttl),
	})
	return nil
}

// Len reports the number of entries currently held, expired or not.
func (m *Memory) Len() int {
	return m.entries.Len()
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) Clear() error {
	m.entries.Purge()
	return nil
}
