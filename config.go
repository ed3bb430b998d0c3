package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/clock"

	"github.com/richardartoul/plugitclient/backends"
	"github.com/richardartoul/plugitclient/pkg/locking"
)

// Cache backend names accepted by --cache / PLUGIT_CACHE.
const (
	cacheMemory = "memory"
	cacheDisk   = "disk"
	cacheS3     = "s3"
	cacheRedis  = "redis"
)

// Config holds everything the CLI needs to build a client.
type Config struct {
	BaseURL   string
	Cache     string
	CacheDir  string
	CacheSize int
	S3        backends.S3Config
	Redis     backends.RedisConfig
	Timeout   time.Duration
	Verify    bool
	Debug     bool
	Stats     bool
}

// loadConfig reads .env (if present) and the PLUGIT_* environment. Flags
// registered afterwards use these values as their defaults.
func loadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		BaseURL:   strings.TrimSpace(os.Getenv("PLUGIT_BASE_URL")),
		Cache:     firstNonEmpty(strings.TrimSpace(os.Getenv("PLUGIT_CACHE")), cacheMemory),
		CacheDir:  firstNonEmpty(strings.TrimSpace(os.Getenv("PLUGIT_CACHE_DIR")), defaultCacheDir()),
		CacheSize: envInt("PLUGIT_CACHE_SIZE", backends.DefaultMemoryEntries),
		S3: backends.S3Config{
			Bucket:   strings.TrimSpace(os.Getenv("PLUGIT_S3_BUCKET")),
			Prefix:   firstNonEmpty(strings.TrimSpace(os.Getenv("PLUGIT_S3_PREFIX")), "plugit"),
			Region:   strings.TrimSpace(os.Getenv("PLUGIT_S3_REGION")),
			Endpoint: strings.TrimSpace(os.Getenv("PLUGIT_S3_ENDPOINT")),
		},
		Redis: backends.RedisConfig{
			Addr:     firstNonEmpty(strings.TrimSpace(os.Getenv("PLUGIT_REDIS_ADDR")), "localhost:6379"),
			DB:       envInt("PLUGIT_REDIS_DB", 0),
			Password: os.Getenv("PLUGIT_REDIS_PASSWORD"),
			Prefix:   firstNonEmpty(strings.TrimSpace(os.Getenv("PLUGIT_REDIS_PREFIX")), "plugit:"),
		},
		Timeout: envDuration("PLUGIT_TIMEOUT", 30*time.Second),
		Verify:  envBool("PLUGIT_VERIFY", false),
		Debug:   envBool("PLUGIT_DEBUG", false),
		Stats:   envBool("PLUGIT_STATS", false),
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("no plug-in server configured: set --server or PLUGIT_BASE_URL")
	}
	switch c.Cache {
	case cacheMemory, cacheDisk, cacheRedis:
	case cacheS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 cache needs a bucket: set --s3-bucket or PLUGIT_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (want %s, %s, %s or %s)",
			c.Cache, cacheMemory, cacheDisk, cacheS3, cacheRedis)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// buildCache creates the configured backend and the lock group matching its
// sharing scope.
func (c *Config) buildCache(ctx context.Context, logger *slog.Logger) (backends.Backend, locking.Group, error) {
	var (
		backend backends.Backend
		locks   locking.Group = locking.NewMemLock()
	)
	switch c.Cache {
	case cacheMemory:
		mem, err := backends.NewMemory(c.CacheSize, clock.WallClock)
		if err != nil {
			return nil, nil, err
		}
		backend = mem
	case cacheDisk:
		disk, err := backends.NewDisk(filepath.Join(c.CacheDir, "entries"), clock.WallClock, logger)
		if err != nil {
			return nil, nil, err
		}
		flocks, err := locking.NewFlockGroup(filepath.Join(c.CacheDir, "locks"))
		if err != nil {
			return nil, nil, err
		}
		backend, locks = disk, flocks
	case cacheS3:
		s3, err := backends.NewS3FromConfig(ctx, c.S3, clock.WallClock, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = s3
	case cacheRedis:
		backend = backends.NewRedis(c.Redis)
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", c.Cache)
	}

	if c.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, locks, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "plugit")
	}
	return filepath.Join(os.TempDir(), "plugit")
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
