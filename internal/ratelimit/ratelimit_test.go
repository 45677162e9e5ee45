package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-network/aegis-node/internal/crdt"
)

// fakeBucketCounter is an in-memory BucketCounter double: connected and
// backed by real GCounters, so limiter behavior can be checked without a
// NATS connection.
type fakeBucketCounter struct {
	connected bool
	counters  map[string]*crdt.GCounter
}

func newFakeBucketCounter() *fakeBucketCounter {
	return &fakeBucketCounter{connected: true, counters: make(map[string]*crdt.GCounter)}
}

func (f *fakeBucketCounter) Counter(key string) *crdt.GCounter {
	c, ok := f.counters[key]
	if !ok {
		c = crdt.NewGCounter("self")
		f.counters[key] = c
	}
	return c
}

func (f *fakeBucketCounter) Publish(ctx context.Context, resource string, value uint64) error { return nil }
func (f *fakeBucketCounter) Connected() bool                                                  { return f.connected }

func TestLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	fake := newFakeBucketCounter()
	l := NewLimiter(Rule{Resource: "r", WindowDuration: time.Minute, MaxRequests: 3}, fake)

	now := time.Unix(1_000_000, 0)
	for i := 0; i < 3; i++ {
		d := l.Check(context.Background(), now)
		assert.True(t, d.Allowed)
		assert.False(t, d.Degraded)
	}

	d := l.Check(context.Background(), now)
	assert.False(t, d.Allowed)
	assert.Equal(t, uint64(3), d.Current)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiter_WindowRolloverResetsBucket(t *testing.T) {
	fake := newFakeBucketCounter()
	l := NewLimiter(Rule{Resource: "r", WindowDuration: time.Minute, MaxRequests: 1}, fake)

	base := time.Unix(1_000_000-(1_000_000%60), 0)
	require.True(t, l.Check(context.Background(), base).Allowed)
	assert.False(t, l.Check(context.Background(), base.Add(time.Second)).Allowed)

	next := base.Add(time.Minute)
	assert.True(t, l.Check(context.Background(), next).Allowed, "a new window must start with a fresh bucket")
}

func TestLimiter_FallsBackWhenDisconnected(t *testing.T) {
	fake := newFakeBucketCounter()
	fake.connected = false
	l := NewLimiter(Rule{Resource: "r", WindowDuration: time.Second, MaxRequests: 2}, fake)

	d := l.Check(context.Background(), time.Now())
	assert.True(t, d.Degraded)
}

func TestRegistry_NamedResourceTakesPrecedenceOverClientRule(t *testing.T) {
	fake := newFakeBucketCounter()
	reg := NewRegistry(fake)
	reg.Configure([]Rule{{Resource: "route:a", WindowDuration: time.Minute, MaxRequests: 1}})
	reg.ConfigureClientRule(Rule{WindowDuration: time.Minute, MaxRequests: 100})

	now := time.Now()
	d, ok := reg.Check(context.Background(), "route:a", now)
	require.True(t, ok)
	assert.True(t, d.Allowed)

	d, ok = reg.Check(context.Background(), "route:a", now)
	require.True(t, ok)
	assert.False(t, d.Allowed, "the named rule's tight limit must apply, not the looser client template")
}

func TestRegistry_LazilyCreatesPerClientLimiter(t *testing.T) {
	fake := newFakeBucketCounter()
	reg := NewRegistry(fake)
	reg.ConfigureClientRule(Rule{WindowDuration: time.Minute, MaxRequests: 1})

	now := time.Now()
	d, ok := reg.Check(context.Background(), "1.2.3.4", now)
	require.True(t, ok)
	assert.True(t, d.Allowed)

	// Same client, second request in-window: denied.
	d, ok = reg.Check(context.Background(), "1.2.3.4", now)
	require.True(t, ok)
	assert.False(t, d.Allowed)

	// A different client gets its own independent bucket.
	d, ok = reg.Check(context.Background(), "5.6.7.8", now)
	require.True(t, ok)
	assert.True(t, d.Allowed)
}

func TestRegistry_UnknownResourceWithoutClientRuleMisses(t *testing.T) {
	reg := NewRegistry(newFakeBucketCounter())
	_, ok := reg.Check(context.Background(), "nope", time.Now())
	assert.False(t, ok)
}
