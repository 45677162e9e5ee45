// Package cache implements the content-addressed HTTP response cache
// (spec §4.4, §4.10): sanitized keys, Cache-Control honoring, Vary-aware
// keying, single-flight origin coalescing, and byte-size-bounded LRU
// eviction toward an 80% watermark.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const maxKeyLength = 512

// Entry is a stored response (spec §3 "Cache Entry").
type Entry struct {
	Status  int
	Headers map[string][]string
	Body    []byte
	Expiry  time.Time

	// RevalidateRequired marks entries stored under Cache-Control: no-cache:
	// they are kept but must be treated as stale by the caller's policy.
	RevalidateRequired bool
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.Expiry)
}

func (e *Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Headers {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

type node struct {
	key   string
	entry *Entry
}

// Cache is a byte-bounded, single-flight-coalesced response cache.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	curBytes   int64
	maxBytes   int64
	watermark  float64
	defaultTTL time.Duration

	group singleflight.Group

	hits   int64
	misses int64
}

// Config controls the cache's capacity and default freshness lifetime
// (spec §6.6 cache.default_ttl, cache.max_size_mb).
type Config struct {
	MaxBytes   int64
	Watermark  float64 // fraction of MaxBytes to evict down to, e.g. 0.8
	DefaultTTL time.Duration
}

func New(cfg Config) *Cache {
	if cfg.Watermark <= 0 || cfg.Watermark > 1 {
		cfg.Watermark = 0.8
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxBytes:   cfg.MaxBytes,
		watermark:  cfg.Watermark,
		defaultTTL: cfg.DefaultTTL,
	}
}

// SanitizeKey strips CR/LF/NUL and clamps length (spec §8 property 4).
// It is the package's only key sanitizer; there is no unchecked variant.
func SanitizeKey(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r == '\r' || r == '\n' || r == 0 {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > maxKeyLength {
		s = s[:maxKeyLength]
	}
	return s
}

// Key builds the canonical cache key for a method+URI pair, optionally
// incorporating Vary-selected header values (spec §4.4).
func Key(method, uri string, varyHeaders map[string]string) string {
	base := SanitizeKey(method + ":" + uri)
	if len(varyHeaders) == 0 {
		return base
	}
	names := make([]string, 0, len(varyHeaders))
	for k := range varyHeaders {
		names = append(names, k)
	}
	// Deterministic ordering: spec §8 property 5 requires route/cache
	// determinism across runs, so the key must not depend on map iteration.
	sortStrings(names)
	var b strings.Builder
	b.WriteString(base)
	for _, n := range names {
		b.WriteByte('|')
		b.WriteString(SanitizeKey(n))
		b.WriteByte('=')
		b.WriteString(SanitizeKey(varyHeaders[n]))
	}
	s := b.String()
	if len(s) > maxKeyLength {
		s = s[:maxKeyLength]
	}
	return s
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Get returns the entry for key if present and not expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	key = SanitizeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	n := el.Value.(*node)
	if n.entry.expired(time.Now()) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(el)
	c.hits++
	return n.entry, true
}

// ParsedCacheControl is the subset of Cache-Control directives the cache
// honors (spec §4.4).
type ParsedCacheControl struct {
	NoStore bool
	Private bool
	NoCache bool
	MaxAge  time.Duration
	HasMaxAge bool
}

// ParseCacheControl parses a Cache-Control header value.
func ParseCacheControl(header string) ParsedCacheControl {
	var pcc ParsedCacheControl
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		switch {
		case directive == "no-store":
			pcc.NoStore = true
		case directive == "private":
			pcc.Private = true
		case directive == "no-cache":
			pcc.NoCache = true
		case strings.HasPrefix(directive, "max-age="):
			if secs, err := parsePositiveInt(directive[len("max-age="):]); err == nil {
				pcc.MaxAge = time.Duration(secs) * time.Second
				pcc.HasMaxAge = true
			}
		}
	}
	return pcc
}

func parsePositiveInt(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, errEmpty
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errEmpty
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}

var errEmpty = &cacheError{"empty or invalid integer"}

type cacheError struct{ msg string }

func (e *cacheError) Error() string { return e.msg }

// Set stores a response, honoring Cache-Control directives. It refuses to
// store no-store/private responses (returns false) so callers don't need
// to re-check the policy themselves.
func (c *Cache) Set(key string, status int, headers map[string][]string, body []byte, cc ParsedCacheControl) bool {
	if cc.NoStore || cc.Private {
		return false
	}

	key = SanitizeKey(key)
	ttl := c.defaultTTL
	if cc.HasMaxAge {
		ttl = cc.MaxAge
	}

	entry := &Entry{
		Status:             status,
		Headers:            headers,
		Body:               body,
		Expiry:             time.Now().Add(ttl),
		RevalidateRequired: cc.NoCache,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	n := &node{key: key, entry: entry}
	el := c.lru.PushFront(n)
	c.entries[key] = el
	c.curBytes += entry.size()

	c.evictLocked()
	return true
}

func (c *Cache) removeLocked(el *list.Element) {
	n := el.Value.(*node)
	c.curBytes -= n.entry.size()
	delete(c.entries, n.key)
	c.lru.Remove(el)
}

// evictLocked drops least-recently-used entries until usage is back under
// the configured watermark (spec §4.4 "LRU eviction toward an 80% target
// to avoid thrashing" -- evicting to exactly the ceiling would trigger
// another eviction on the very next insert).
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 || c.curBytes <= c.maxBytes {
		return
	}
	target := int64(float64(c.maxBytes) * c.watermark)
	for c.curBytes > target {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
	}
}

func (c *Cache) Invalidate(key string) {
	key = SanitizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru = list.New()
	c.curBytes = 0
}

// Fetch performs a single-flight-coalesced origin fetch: concurrent
// callers for the same key share one fn() execution and its result (spec
// §4.4 "per-key single-flight").
func (c *Cache) Fetch(key string, fn func() (*Entry, ParsedCacheControl, error)) (*Entry, error) {
	key = SanitizeKey(key)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		entry, cc, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(key, entry.Status, entry.Headers, entry.Body, cc)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Stats reports hit/miss counters and current byte usage for /metrics.
type Stats struct {
	Hits     int64
	Misses   int64
	Bytes    int64
	Entries  int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Bytes: c.curBytes, Entries: len(c.entries)}
}

// Cacheable reports whether a response is eligible for caching at all,
// independent of Cache-Control (spec §4.10): method, status class, and
// absence of Set-Cookie.
func Cacheable(method string, status int, headers map[string][]string) bool {
	if method != "GET" && method != "HEAD" {
		return false
	}
	if !(status >= 200 && status < 300) && status != 301 && status != 308 {
		return false
	}
	if _, ok := headers["Set-Cookie"]; ok {
		return false
	}
	return true
}
