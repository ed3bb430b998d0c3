package plugit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/richardartoul/plugitclient/backends"
	"github.com/richardartoul/plugitclient/pkg/metrics"
)

// DefaultMetaTTL is how long metadata is cached when the server sends no
// expire header.
const DefaultMetaTTL = 5 * time.Minute

// Metadata holds the properties a server declares for one action.
type Metadata map[string]any

// TemplateTag returns the version marker of the action's template.
func (m Metadata) TemplateTag() (string, bool) {
	raw, ok := m["template_tag"]
	if !ok || raw == nil {
		return "", false
	}
	if tag, ok := raw.(string); ok {
		return tag, true
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// GetMeta returns the metadata of the action at uri, from the cache when
// possible. It returns nil when the server has none to give.
func (c *Client) GetMeta(ctx context.Context, uri string) (Metadata, error) {
	key := c.metaKey(actionPath(uri))
	if meta := c.cachedMeta(ctx, key); meta != nil {
		return meta, nil
	}

	v, err := c.locks.DoWithLock(key, func() (interface{}, error) {
		// Someone holding the lock before us may have filled the entry.
		if meta := c.cachedMeta(ctx, key); meta != nil {
			return meta, nil
		}
		return c.fetchMeta(ctx, uri, key)
	})
	if err != nil {
		return nil, err
	}
	meta, _ := v.(Metadata)
	return meta, nil
}

func (c *Client) fetchMeta(ctx context.Context, uri, key string) (Metadata, error) {
	defer c.latency.Since(metrics.OpMetaFetch, time.Now())

	// The server gets the full uri, query included; only the cache key drops it.
	resp, err := c.Query(ctx, "meta/"+uri, Request{})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	var meta Metadata
	if resp.StatusCode == http.StatusOK {
		if err := resp.JSON(&meta); err != nil {
			if err := c.protocolError("meta", err); err != nil {
				return nil, err
			}
			meta = nil
		}
	} else {
		c.logger.Debug("meta fetch failed", "uri", uri, "status", resp.StatusCode)
	}

	ttl := c.metaTTL(resp.Header)
	if ttl <= 0 {
		c.logger.Debug("server asked not to cache meta", "uri", uri)
		return meta, nil
	}
	if len(meta) == 0 {
		// An empty entry would read as a miss anyway.
		return meta, nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		c.logger.Warn("failed to encode meta for cache", "uri", uri, "error", err)
		return meta, nil
	}
	if err := c.cache.Set(ctx, key, encoded, ttl); err != nil {
		c.logger.Warn("failed to cache meta", "key", key, "error", err)
	}
	return meta, nil
}

func (c *Client) cachedMeta(ctx context.Context, key string) Metadata {
	raw, miss := c.cacheGet(ctx, key)
	if miss {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		c.logger.Warn("discarding unreadable cached meta", "key", key, "error", err)
		return nil
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// metaTTL turns the expire response header into a cache lifetime. Without
// the header the default applies; a past or unreadable date yields zero,
// meaning the response must not be cached.
func (c *Client) metaTTL(h http.Header) time.Duration {
	raw, ok := headerValue(h, "expire")
	if !ok {
		return DefaultMetaTTL
	}
	expiry, err := parseExpire(raw)
	if err != nil {
		c.logger.Warn("unreadable expire header, not caching", "expire", raw, "error", err)
		return 0
	}
	// Whole seconds, truncated toward zero.
	seconds := int64(expiry.Sub(c.clock.Now().UTC()).Seconds())
	return time.Duration(seconds) * time.Second
}

// GetTemplate returns the template of the action at uri. meta may be nil, in
// which case it is looked up first; without metadata there is no template.
// Templates are cached forever under a key that includes the template tag.
func (c *Client) GetTemplate(ctx context.Context, uri string, meta Metadata) ([]byte, error) {
	if len(meta) == 0 {
		var err error
		meta, err = c.GetMeta(ctx, uri)
		if err != nil {
			return nil, err
		}
		if len(meta) == 0 {
			return nil, nil
		}
	}
	tag, ok := meta.TemplateTag()
	if !ok {
		c.logger.Warn("meta has no template_tag", "uri", uri)
		return nil, nil
	}

	key := c.templateKey(actionPath(uri), tag)
	if tmpl, miss := c.cacheGet(ctx, key); !miss {
		return tmpl, nil
	}

	v, err := c.locks.DoWithLock(key, func() (interface{}, error) {
		if tmpl, miss := c.cacheGet(ctx, key); !miss {
			return tmpl, nil
		}
		return c.fetchTemplate(ctx, uri, key)
	})
	if err != nil {
		return nil, err
	}
	tmpl, _ := v.([]byte)
	return tmpl, nil
}

func (c *Client) fetchTemplate(ctx context.Context, uri, key string) ([]byte, error) {
	defer c.latency.Since(metrics.OpTemplateFetch, time.Now())

	resp, err := c.Query(ctx, "template/"+uri, Request{})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		// Not cached: the next call retries instead of pinning the failure
		// under a key that never expires.
		c.logger.Debug("template fetch failed", "uri", uri, "status", resp.StatusCode)
		return nil, nil
	}
	tmpl, err := resp.Content()
	if err != nil {
		return nil, err
	}
	if len(tmpl) > 0 {
		if err := c.cache.Set(ctx, key, tmpl, backends.NoExpiration); err != nil {
			c.logger.Warn("failed to cache template", "key", key, "error", err)
		}
	}
	return tmpl, nil
}

// cacheGet treats cache failures and empty values as misses.
func (c *Client) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	value, miss, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, true
	}
	if miss || len(value) == 0 {
		return nil, true
	}
	return value, false
}

func (c *Client) metaKey(action string) string {
	return c.namespace + "_meta_" + action
}

func (c *Client) templateKey(action, tag string) string {
	return c.namespace + "_templates_" + action + "_" + tag
}

// actionPath strips the query string and fragment from uri. Escapes are kept
// as sent so keys match other clients sharing the namespace.
func actionPath(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

var expireLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseExpire reads an absolute timestamp. Timestamps without a zone are UTC.
func parseExpire(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := http.ParseTime(raw); err == nil {
		return t, nil
	}
	var firstErr error
	for _, layout := range expireLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func headerValue(h http.Header, name string) (string, bool) {
	values, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}
