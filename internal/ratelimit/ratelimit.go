// Package ratelimit implements the distributed sliding-window rate
// limiter (spec §4.8), built on the G-Counter CRDT and its log bridge,
// with a local token-bucket fallback when the replicated log is
// unreachable (spec §4.13 degraded mode).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis-network/aegis-node/internal/crdt"
)

// Decision is the outcome of a rate-limit check (spec §4.8).
type Decision struct {
	Allowed     bool
	Current     uint64
	Remaining   int64
	RetryAfter  time.Duration
	Degraded    bool // true when served from the local fallback limiter
}

// Rule configures one resource's limit (spec §4.8 "window_duration, max_requests").
type Rule struct {
	Resource       string
	WindowDuration time.Duration
	MaxRequests    uint64
}

// BucketCounter is the subset of logbridge.Bridge's surface the limiter
// needs, kept narrow so the limiter doesn't import logbridge directly and
// can be driven by a fake in tests.
type BucketCounter interface {
	Counter(key string) *crdt.GCounter
	Publish(ctx context.Context, resource string, value uint64) error
	Connected() bool
}

// Limiter enforces one Rule, switching G-Counter buckets on window
// rollover (spec §4.8 "When the bucket index changes, the limiter
// switches to a fresh G-Counter; old buckets are pruned lazily").
type Limiter struct {
	rule    Rule
	log     BucketCounter
	fallback *rate.Limiter

	mu          sync.Mutex
	bucketIndex int64
	oldBuckets  map[int64]struct{}
}

func NewLimiter(rule Rule, log BucketCounter) *Limiter {
	if rule.WindowDuration <= 0 {
		rule.WindowDuration = time.Minute
	}
	ratePerSec := float64(rule.MaxRequests) / rule.WindowDuration.Seconds()
	return &Limiter{
		rule:       rule,
		log:        log,
		fallback:   rate.NewLimiter(rate.Limit(ratePerSec), int(rule.MaxRequests)),
		oldBuckets: make(map[int64]struct{}),
	}
}

func (l *Limiter) bucketKey(now time.Time) (string, int64) {
	idx := now.Unix() / int64(l.rule.WindowDuration.Seconds())
	return fmt.Sprintf("%s.%d", l.rule.Resource, idx), idx
}

// Check evaluates the rate-limit decision for one request (spec §4.8
// steps 1-3). If the log backend is disconnected, it falls back to a
// local golang.org/x/time/rate limiter so the node keeps serving a
// reasonable approximation rather than open the gate entirely.
func (l *Limiter) Check(ctx context.Context, now time.Time) Decision {
	if l.log == nil || !l.log.Connected() {
		return l.checkFallback(now)
	}

	key, idx := l.bucketKey(now)
	l.trackBucket(idx)

	counter := l.log.Counter(key)
	current := counter.Value()

	if current >= l.rule.MaxRequests {
		return Decision{
			Allowed:    false,
			Current:    current,
			RetryAfter: l.timeToWindowEnd(now, idx),
		}
	}

	newVal := counter.Increment(1, now.Unix())
	if err := l.log.Publish(ctx, key, newVal); err != nil {
		// Publish failure doesn't undo the local increment: the local
		// node's own view stays authoritative for its own traffic even
		// if replication lags (spec §4.8 "short-term over-limit ... is
		// possible and accepted").
		_ = err
	}

	remaining := int64(l.rule.MaxRequests) - int64(newVal)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Current: newVal, Remaining: remaining}
}

func (l *Limiter) checkFallback(now time.Time) Decision {
	if l.fallback.AllowN(now, 1) {
		return Decision{Allowed: true, Degraded: true}
	}
	return Decision{Allowed: false, Degraded: true, RetryAfter: l.rule.WindowDuration}
}

func (l *Limiter) timeToWindowEnd(now time.Time, idx int64) time.Duration {
	windowEnd := time.Unix((idx+1)*int64(l.rule.WindowDuration.Seconds()), 0)
	d := windowEnd.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// trackBucket records bucket indices seen so a caller can lazily prune
// stale ones; the actual GCounter lifetime is owned by the log bridge.
func (l *Limiter) trackBucket(idx int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.oldBuckets[idx]; !ok {
		for old := range l.oldBuckets {
			if idx-old > 2 {
				delete(l.oldBuckets, old)
			}
		}
		l.oldBuckets[idx] = struct{}{}
		l.bucketIndex = idx
	}
}

// Registry holds one Limiter per configured resource, plus an optional
// per-client template rule used to lazily instantiate a Limiter the first
// time a given client resource (e.g. a client IP) is seen (spec §4.8
// configures window_duration/max_requests per resource; a per-client
// policy names the client as the resource rather than a fixed route
// name, so its Limiter set can't be known in advance).
type Registry struct {
	mu          sync.RWMutex
	limiters    map[string]*Limiter
	log         BucketCounter
	clientRule  *Rule
}

func NewRegistry(log BucketCounter) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), log: log}
}

func (r *Registry) Configure(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range rules {
		r.limiters[rule.Resource] = NewLimiter(rule, r.log)
	}
}

// ConfigureClientRule sets the window/limit template applied to any
// client resource not already covered by a named Configure rule. The
// Resource field is ignored; each client gets its own Limiter keyed by
// the resource string passed to Check.
func (r *Registry) ConfigureClientRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clientRule = &rule
}

func (r *Registry) Check(ctx context.Context, resource string, now time.Time) (Decision, bool) {
	r.mu.RLock()
	l, ok := r.limiters[resource]
	clientRule := r.clientRule
	r.mu.RUnlock()
	if ok {
		return l.Check(ctx, now), true
	}
	if clientRule == nil {
		return Decision{}, false
	}

	r.mu.Lock()
	l, ok = r.limiters[resource]
	if !ok {
		rule := *clientRule
		rule.Resource = resource
		l = NewLimiter(rule, r.log)
		r.limiters[resource] = l
	}
	r.mu.Unlock()
	return l.Check(ctx, now), true
}
