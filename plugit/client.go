package plugit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/juju/clock"

	"github.com/richardartoul/plugitclient/backends"
	"github.com/richardartoul/plugitclient/pkg/locking"
	"github.com/richardartoul/plugitclient/pkg/metrics"
)

// Protocol identity the server must report from the version endpoint.
const (
	APIVersion = "1"
	APIName    = "EBUio-PlugIt"
)

// HTTPDoer sends HTTP requests. *http.Client satisfies it; timeouts, TLS and
// connection pooling are configured there.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client manages access to one plug-in server. It holds no mutable state of
// its own, so it is safe for concurrent use whenever its HTTPDoer and cache
// backend are.
type Client struct {
	baseURI   string
	namespace string

	http    HTTPDoer
	cache   backends.Backend
	locks   locking.Group
	clock   clock.Clock
	logger  *slog.Logger
	latency *metrics.LatencyTracker
	verify  bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport. Defaults to a plain *http.Client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// WithBackend sets the cache used for metadata and templates. Defaults to an
// in-process memory backend.
func WithBackend(b backends.Backend) Option {
	return func(c *Client) { c.cache = b }
}

// WithLockGroup serializes cache misses per key. Defaults to no locking.
func WithLockGroup(g locking.Group) Option {
	return func(c *Client) { c.locks = g }
}

// WithClock sets the clock used to turn expire headers into TTLs.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger. Defaults to discarding everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLatencyTracker records the latency of every server round trip.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(c *Client) { c.latency = lt }
}

// WithVerify makes New ping the server and check its protocol version,
// failing with a *SetupError if either check does not pass.
func WithVerify(verify bool) Option {
	return func(c *Client) { c.verify = verify }
}

// New creates a client for the server at baseURI.
func New(ctx context.Context, baseURI string, opts ...Option) (*Client, error) {
	if baseURI == "" {
		return nil, fmt.Errorf("plugit: base URI is required")
	}
	c := &Client{
		baseURI:   strings.TrimRight(baseURI, "/"),
		namespace: Namespace(baseURI),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.locks == nil {
		c.locks = locking.NewNoOpGroup()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.cache == nil {
		mem, err := backends.NewMemory(backends.DefaultMemoryEntries, c.clock)
		if err != nil {
			return nil, fmt.Errorf("plugit: failed to create default cache: %w", err)
		}
		c.cache = mem
	}
	c.logger = c.logger.With("server", c.baseURI)

	if c.verify {
		if err := c.handshake(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	ok, err := c.Ping(ctx)
	if err != nil {
		return &SetupError{BaseURI: c.baseURI, Reason: "ping failed", Err: err}
	}
	if !ok {
		return &SetupError{BaseURI: c.baseURI, Reason: "server doesn't reply to ping"}
	}
	ok, err = c.CheckVersion(ctx)
	if err != nil {
		return &SetupError{BaseURI: c.baseURI, Reason: "version check failed", Err: err}
	}
	if !ok {
		return &SetupError{BaseURI: c.baseURI, Reason: "not a supported PlugIt API version"}
	}
	return nil
}

// BaseURI returns the server address requests are made against.
func (c *Client) BaseURI() string { return c.baseURI }

// Namespace returns the prefix of every cache key this client writes.
func (c *Client) Namespace() string { return c.namespace }

// Namespace derives the cache namespace for a server address, so clients of
// different servers never share cache entries.
func Namespace(baseURI string) string {
	sum := md5.Sum([]byte(baseURI))
	return "plugit-" + hex.EncodeToString(sum[:])
}
