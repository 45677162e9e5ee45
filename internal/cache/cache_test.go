package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey_StripsControlCharsAndClamps(t *testing.T) {
	assert.Equal(t, "abc", SanitizeKey("a\r\nb\x00c"))

	long := make([]byte, maxKeyLength+50)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, SanitizeKey(string(long)), maxKeyLength)
}

func TestKey_IsDeterministicRegardlessOfVaryOrder(t *testing.T) {
	k1 := Key("GET", "/a", map[string]string{"Accept": "json", "Lang": "en"})
	k2 := Key("GET", "/a", map[string]string{"Lang": "en", "Accept": "json"})
	assert.Equal(t, k1, k2)
}

func TestParseCacheControl_ParsesKnownDirectives(t *testing.T) {
	pcc := ParseCacheControl("max-age=30, no-cache, private")
	assert.True(t, pcc.HasMaxAge)
	assert.Equal(t, 30*time.Second, pcc.MaxAge)
	assert.True(t, pcc.NoCache)
	assert.True(t, pcc.Private)
	assert.False(t, pcc.NoStore)
}

func TestSet_RefusesNoStoreAndPrivate(t *testing.T) {
	c := New(Config{})
	ok := c.Set("k", 200, nil, []byte("x"), ParsedCacheControl{NoStore: true})
	assert.False(t, ok)

	ok = c.Set("k", 200, nil, []byte("x"), ParsedCacheControl{Private: true})
	assert.False(t, ok)

	_, found := c.Get("k")
	assert.False(t, found)
}

func TestGetSet_RoundTripsAndExpires(t *testing.T) {
	c := New(Config{DefaultTTL: time.Hour})
	require.True(t, c.Set("k", 200, nil, []byte("body"), ParsedCacheControl{HasMaxAge: true, MaxAge: -time.Second}))

	_, found := c.Get("k")
	assert.False(t, found, "a max-age in the past must expire immediately")

	require.True(t, c.Set("k2", 200, nil, []byte("body"), ParsedCacheControl{}))
	entry, found := c.Get("k2")
	require.True(t, found)
	assert.Equal(t, []byte("body"), entry.Body)
}

func TestEvict_DropsLRUEntriesDownToWatermark(t *testing.T) {
	c := New(Config{MaxBytes: 30, Watermark: 0.5})
	body := make([]byte, 10)

	c.Set("a", 200, nil, body, ParsedCacheControl{})
	c.Set("b", 200, nil, body, ParsedCacheControl{})
	c.Set("c", 200, nil, body, ParsedCacheControl{})
	// curBytes now 30 == maxBytes, no eviction yet.
	c.Set("d", 200, nil, body, ParsedCacheControl{})
	// curBytes would be 40 > 30, evicts LRU ("a") until <= 15 (0.5*30).

	_, found := c.Get("a")
	assert.False(t, found, "oldest entry should have been evicted")
	_, found = c.Get("d")
	assert.True(t, found, "newest entry should survive eviction")
}

func TestFetch_CoalescesConcurrentCallsForSameKey(t *testing.T) {
	c := New(Config{})
	calls := 0
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (*Entry, ParsedCacheControl, error) {
		calls++
		close(started)
		<-release
		return &Entry{Status: 200, Body: []byte("v")}, ParsedCacheControl{}, nil
	}

	results := make(chan *Entry, 2)
	go func() {
		e, err := c.Fetch("shared", fn)
		require.NoError(t, err)
		results <- e
	}()
	<-started

	go func() {
		e, err := c.Fetch("shared", func() (*Entry, ParsedCacheControl, error) {
			t.Fatal("second caller must not invoke its own fn while the first is in flight")
			return nil, ParsedCacheControl{}, nil
		})
		require.NoError(t, err)
		results <- e
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	e1 := <-results
	e2 := <-results
	assert.Equal(t, 1, calls)
	assert.Equal(t, e1.Body, e2.Body)
}

func TestFetch_PropagatesOriginError(t *testing.T) {
	c := New(Config{})
	wantErr := errors.New("origin down")
	_, err := c.Fetch("k", func() (*Entry, ParsedCacheControl, error) {
		return nil, ParsedCacheControl{}, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestCacheable_RespectsMethodStatusAndSetCookie(t *testing.T) {
	assert.True(t, Cacheable("GET", 200, nil))
	assert.True(t, Cacheable("HEAD", 301, nil))
	assert.False(t, Cacheable("POST", 200, nil))
	assert.False(t, Cacheable("GET", 404, nil))
	assert.False(t, Cacheable("GET", 200, map[string][]string{"Set-Cookie": {"a=b"}}))
}
