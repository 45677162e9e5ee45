// Package reqctx defines the Request Context entity (spec §3): the single
// mutable record that flows through the pipeline controller and every
// stage it invokes. It is created on accept and discarded on response
// flush; nothing outside the pipeline controller mutates it.
package reqctx

import (
	"net/http"
	"strings"
	"time"
)

// Decision is the pipeline's terminal disposition for a request.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionAllow
	DecisionChallenge
	DecisionDeny
	DecisionBypassCache
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionChallenge:
		return "challenge"
	case DecisionDeny:
		return "deny"
	case DecisionBypassCache:
		return "bypass_cache"
	default:
		return "pending"
	}
}

// Header is one ordered name/value pair. Case is preserved for output but
// lookups are case-insensitive, matching spec §3's "case-preserving but
// case-insensitive on lookup" requirement -- a plain map would silently
// merge differently-cased duplicates and lose wire order.
type Header struct {
	Name  string
	Value string
}

// RuleMatch is one WAF finding (spec §4.3).
type RuleMatch struct {
	RuleID    string
	Severity  int
	Category  string
	Location  string
	Matched   string
}

// Fingerprint holds the TLS fingerprinter's output (spec §4.2). A zero
// value (Present == false) means the connection was plaintext or the
// ClientHello could not be parsed.
type Fingerprint struct {
	Present         bool
	TLSVersion      uint16
	CipherCount     int
	ExtensionCount  int
	HasSNI          bool
	HasALPN         bool
	JA3Raw          string
	JA3             string
	JA4             string
	Classification  string
}

// Context is the Request Context entity. It is not safe for concurrent
// mutation by more than one goroutine: only the pipeline controller
// handling this request writes to it.
type Context struct {
	TraceID   string
	Method    string
	URI       string
	Headers   []Header
	Body      []byte
	ClientIP  string

	Fingerprint Fingerprint

	Matches  []RuleMatch
	Decision Decision

	RouteIndex int
	RouteMatched bool

	AcceptedAt time.Time

	raw *http.Request
}

// New builds a Context from an inbound *http.Request. Headers are copied
// from r.Header, which keeps only the values per canonical name, so the
// order across names follows map iteration and is not the wire order;
// values under one name keep the order they were received in.
func New(traceID string, r *http.Request) *Context {
	headers := make([]Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}
	return &Context{
		TraceID:    traceID,
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Headers:    headers,
		AcceptedAt: time.Now(),
		raw:        r,
	}
}

// Raw returns the underlying *http.Request for components that must read
// transport-level details (remote addr, TLS connection state) not carried
// by the Context itself.
func (c *Context) Raw() *http.Request { return c.raw }

// HeaderValue performs a case-insensitive lookup, returning the first
// matching value or "".
func (c *Context) HeaderValue(name string) string {
	for _, h := range c.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderValues returns every value for a case-insensitively matched name,
// in the order they appear in Headers.
func (c *Context) HeaderValues(name string) []string {
	var out []string
	for _, h := range c.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// AddMatch appends a WAF finding to the accumulated match set.
func (c *Context) AddMatch(m RuleMatch) {
	c.Matches = append(c.Matches, m)
}

// MaxSeverity returns the highest severity among accumulated matches, or 0.
func (c *Context) MaxSeverity() int {
	max := 0
	for _, m := range c.Matches {
		if m.Severity > max {
			max = m.Severity
		}
	}
	return max
}
