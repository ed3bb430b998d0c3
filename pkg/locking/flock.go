package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FlockGroup is a Group implementation backed by advisory file locks, one lock
// file per key under dir. It gives mutual exclusion across processes that
// share the same directory, e.g. several hosts using one disk cache.
//
// Lock files are never removed; their names are a hash of the key so the
// directory stays flat regardless of what the keys look like.
type FlockGroup struct {
	dir string
	mem *MemLock
}

// NewFlockGroup creates a FlockGroup storing its lock files in dir.
func NewFlockGroup(dir string) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir: dir,
		// flock locks are per file descriptor, so goroutines in this process
		// are serialized separately before touching the file lock.
		mem: NewMemLock(),
	}, nil
}

func (g *FlockGroup) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	return g.mem.DoWithLock(key, func() (interface{}, error) {
		lock := flock.New(g.lockPath(key))
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock for %q: %w", key, err)
		}
		defer lock.Unlock()
		return fn()
	})
}

func (g *FlockGroup) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:16])+".lock")
}
