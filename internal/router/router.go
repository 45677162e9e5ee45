// Package router implements the Route Dispatcher (spec §4.6): a compiled,
// immutable route table matched in declared order and swapped atomically
// on reload so in-flight requests always observe a consistent snapshot.
package router

import (
	"regexp"
	"sync/atomic"
)

// Limits are per-route overrides applied on top of node-wide defaults.
type Limits struct {
	MaxBodyBytes   int64
	TimeoutSeconds int
	RateLimitKey   string
}

// Route is one compiled entry (spec §3 "Route Table"). Upstream is the
// single origin this route forwards to on a cache miss (spec §1 Non-goals:
// "no origin selection / load-balancing between multiple upstreams").
type Route struct {
	Pattern  string
	Method   string // "" or "*" matches any method
	Modules  []string
	Upstream string
	Limits   Limits

	compiled *regexp.Regexp
}

// Definition is the unparsed config-file form of a Route.
type Definition struct {
	Pattern  string
	Method   string
	Modules  []string
	Upstream string
	Limits   Limits
}

// Table is an immutable, compiled route table. A regex set over all
// patterns gives O(1)-ish candidate filtering; per-route regexes resolve
// the actual match (spec §4.6 step 1-2).
type Table struct {
	routes []Route
	set    *regexp.Regexp // alternation of all patterns, for fast reject
}

// Compile builds a Table from route definitions, in declared order. A
// pattern compile failure is fatal to the caller, mirroring the WAF's
// startup-fatal compile contract: a broken route table must never load
// silently.
func Compile(defs []Definition) (*Table, error) {
	routes := make([]Route, len(defs))
	patterns := make([]string, len(defs))
	for i, d := range defs {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, err
		}
		routes[i] = Route{
			Pattern:  d.Pattern,
			Method:   d.Method,
			Modules:  d.Modules,
			Upstream: d.Upstream,
			Limits:   d.Limits,
			compiled: re,
		}
		patterns[i] = "(" + d.Pattern + ")"
	}

	var setRe *regexp.Regexp
	if len(patterns) > 0 {
		combined := patterns[0]
		for _, p := range patterns[1:] {
			combined += "|" + p
		}
		re, err := regexp.Compile(combined)
		if err != nil {
			return nil, err
		}
		setRe = re
	}

	return &Table{routes: routes, set: setRe}, nil
}

// Match returns the first surviving route in declared order for (method,
// path), per spec §4.6: candidate set from the regex set, filtered by
// method, first match wins. Deterministic given a fixed table (spec §8
// property 5).
func (t *Table) Match(method, path string) (Route, bool) {
	if t.set == nil || !t.set.MatchString(path) {
		return Route{}, false
	}
	for _, r := range t.routes {
		if !r.compiled.MatchString(path) {
			continue
		}
		if r.Method != "" && r.Method != "*" && r.Method != method {
			continue
		}
		return r, true
	}
	return Route{}, false
}

// Routes returns a copy of the compiled route list, for admin inspection.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Dispatcher holds the live Table behind an atomic pointer so reloads
// never block or race with in-flight matches (spec §4.6 "hot-swapped;
// the old compiled snapshot is retained until outstanding requests
// complete" -- Go's GC keeps the old Table alive for any request still
// holding a reference to it).
type Dispatcher struct {
	current atomic.Pointer[Table]
}

func NewDispatcher(initial *Table) *Dispatcher {
	d := &Dispatcher{}
	d.current.Store(initial)
	return d
}

// ReloadTable atomically swaps in an already-compiled table.
func (d *Dispatcher) ReloadTable(t *Table) {
	d.current.Store(t)
}

// Reload compiles defs and atomically swaps them in, satisfying the
// control server's RouteReloader contract (spec §4.6 hot-swap).
func (d *Dispatcher) Reload(defs []Definition) error {
	t, err := Compile(defs)
	if err != nil {
		return err
	}
	d.current.Store(t)
	return nil
}

// Match dispatches against whichever Table snapshot is current at call time.
func (d *Dispatcher) Match(method, path string) (Route, bool) {
	return d.current.Load().Match(method, path)
}

// Snapshot returns the Table currently in effect.
func (d *Dispatcher) Snapshot() *Table {
	return d.current.Load()
}
