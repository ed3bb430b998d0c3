package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
)

// fileFormatVersion prefixes every entry file name so a format change never
// reads files written by an older layout.
const fileFormatVersion = "v1-"

// Disk stores cache entries as files under a directory. Entries are spread over
// 256 subdirectories (00-ff) keyed by the first byte of sha256(key), each with
// a sibling ".meta" file holding size, put time and expiry.
type Disk struct {
	cacheDir string // Absolute path to cache directory
	clock    clock.Clock
	logger   *slog.Logger
}

// diskMetadata holds metadata for a cached entry.
type diskMetadata struct {
	Size      int64
	PutTime   time.Time
	ExpiresAt time.Time // zero means never
}

// NewDisk creates a disk backend rooted at cacheDir.
func NewDisk(cacheDir string, clk clock.Clock, logger *slog.Logger) (*Disk, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	absCacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories (00-ff) to avoid syscalls during writes
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(absCacheDir, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	return &Disk{
		cacheDir: absCacheDir,
		clock:    clk,
		logger:   logger,
	}, nil
}

func (d *Disk) Get(_ context.Context, key string) ([]byte, bool, error) {
	meta := d.check(key)
	if meta == nil {
		return nil, true, nil
	}
	if expired(d.clock.Now(), meta.ExpiresAt) {
		d.remove(key)
		return nil, true, nil
	}

	data, err := os.ReadFile(d.keyToPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}
	if int64(len(data)) != meta.Size {
		d.logger.Warn("disk cache entry size mismatch, treating as miss",
			"key", key,
			"expected", meta.Size,
			"actual", len(data))
		return nil, true, nil
	}
	return data, false, nil
}

func (d *Disk) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkTTL(key, ttl); err != nil {
		return err
	}
	now := d.clock.Now()
	if err := d.write(key, value); err != nil {
		return err
	}
	// The data file is only observed through its metadata, so a failure here
	// leaves an unreachable file rather than a corrupt entry.
	return d.writeMetadata(key, diskMetadata{
		Size:      int64(len(value)),
		PutTime:   now,
		ExpiresAt: expiresAt(now, ttl),
	})
}

func (d *Disk) Close() error {
	return nil
}

// Clear removes every entry but keeps the directory layout.
func (d *Disk) Clear() error {
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(d.cacheDir, fmt.Sprintf("%02x", i))
		files, err := os.ReadDir(subdir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to list %s: %w", subdir, err)
		}
		for _, f := range files {
			if err := os.Remove(filepath.Join(subdir, f.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", f.Name(), err)
			}
		}
	}
	return nil
}

// writeMetadata writes metadata for a cache entry.
func (d *Disk) writeMetadata(key string, meta diskMetadata) error {
	metaPath := d.metadataPath(key)

	var expires int64
	if !meta.ExpiresAt.IsZero() {
		expires = meta.ExpiresAt.UnixNano()
	}
	// Format: size:num\ntime:unix\nexpires:unixnano\n (expires:0 means never)
	content := fmt.Sprintf("size:%d\ntime:%d\nexpires:%d\n",
		meta.Size,
		meta.PutTime.Unix(),
		expires)

	tmpPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads metadata for a cache entry.
// Returns an error if metadata doesn't exist or is corrupted.
func (d *Disk) readMetadata(key string) (*diskMetadata, error) {
	data, err := os.ReadFile(d.metadataPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var (
		size, putTimeUnix, expiresNano int64
		sawSize                        bool
	)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "size:"):
			if _, err := fmt.Sscanf(line, "size:%d", &size); err == nil {
				sawSize = true
			}
		case strings.HasPrefix(line, "time:"):
			fmt.Sscanf(line, "time:%d", &putTimeUnix)
		case strings.HasPrefix(line, "expires:"):
			fmt.Sscanf(line, "expires:%d", &expiresNano)
		}
	}
	if !sawSize {
		return nil, fmt.Errorf("metadata missing size field")
	}

	meta := &diskMetadata{
		Size:    size,
		PutTime: time.Unix(putTimeUnix, 0),
	}
	if expiresNano != 0 {
		meta.ExpiresAt = time.Unix(0, expiresNano)
	}
	return meta, nil
}

// write atomically writes value to the entry's data file.
func (d *Disk) write(key string, value []byte) error {
	diskPath := d.keyToPath(key)

	tmpPath := diskPath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, diskPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// check returns the entry's metadata, or nil when there is no usable entry.
func (d *Disk) check(key string) *diskMetadata {
	meta, err := d.readMetadata(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		d.logger.Warn(
			"failed to read disk cache metadata",
			"key", key,
			"error", err,
		)
		return nil
	}
	return meta
}

func (d *Disk) remove(key string) {
	os.Remove(d.metadataPath(key))
	os.Remove(d.keyToPath(key))
}

// keyToPath converts a cache key to its data file path.
func (d *Disk) keyToPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(d.cacheDir, hexKey[:2], fileFormatVersion+hexKey)
}

func (d *Disk) metadataPath(key string) string {
	return d.keyToPath(key) + ".meta"
}
