package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_MatchesFirstSurvivingRouteInOrder(t *testing.T) {
	defs := []Definition{
		{Pattern: `^/api/.*`, Method: "GET", Modules: []string{"api"}},
		{Pattern: `^/.*`, Method: "*", Modules: []string{"catchall"}},
	}
	table, err := Compile(defs)
	require.NoError(t, err)

	route, ok := table.Match("GET", "/api/widgets")
	require.True(t, ok)
	assert.Equal(t, []string{"api"}, route.Modules)

	route, ok = table.Match("POST", "/api/widgets")
	require.True(t, ok)
	assert.Equal(t, []string{"catchall"}, route.Modules, "method mismatch on route 1 should fall through to route 2")
}

func TestCompile_NoMatchingPatternMisses(t *testing.T) {
	table, err := Compile([]Definition{{Pattern: `^/only\.html$`, Method: "*"}})
	require.NoError(t, err)

	_, ok := table.Match("GET", "/elsewhere")
	assert.False(t, ok)
}

func TestCompile_InvalidPatternIsFatal(t *testing.T) {
	_, err := Compile([]Definition{{Pattern: `(unclosed`}})
	assert.Error(t, err)
}

func TestMatch_CarriesUpstreamAndLimits(t *testing.T) {
	table, err := Compile([]Definition{{
		Pattern:  `^/static/.*`,
		Method:   "GET",
		Upstream: "http://origin.internal",
		Limits:   Limits{MaxBodyBytes: 1024, TimeoutSeconds: 5, RateLimitKey: "static"},
	}})
	require.NoError(t, err)

	route, ok := table.Match("GET", "/static/app.js")
	require.True(t, ok)
	assert.Equal(t, "http://origin.internal", route.Upstream)
	assert.Equal(t, int64(1024), route.Limits.MaxBodyBytes)
}

func TestDispatcher_ReloadSwapsAtomically(t *testing.T) {
	initial, err := Compile([]Definition{{Pattern: `^/v1/.*`, Method: "*"}})
	require.NoError(t, err)
	d := NewDispatcher(initial)

	_, ok := d.Match("GET", "/v2/thing")
	assert.False(t, ok)

	err = d.Reload([]Definition{{Pattern: `^/v2/.*`, Method: "*"}})
	require.NoError(t, err)

	_, ok = d.Match("GET", "/v2/thing")
	assert.True(t, ok)
	_, ok = d.Match("GET", "/v1/thing")
	assert.False(t, ok)
}

func TestDispatcher_ReloadRejectsBadDefsWithoutDisturbingLiveTable(t *testing.T) {
	initial, err := Compile([]Definition{{Pattern: `^/ok$`, Method: "*"}})
	require.NoError(t, err)
	d := NewDispatcher(initial)

	err = d.Reload([]Definition{{Pattern: `(bad`}})
	assert.Error(t, err)

	_, ok := d.Match("GET", "/ok")
	assert.True(t, ok, "a failed reload must not replace the live table")
}
