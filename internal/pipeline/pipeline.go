// Package pipeline implements the per-request state machine (spec §4.1):
// Accept → FingerprintOptional → PreFilter → Analyze → Route → Execute →
// Respond. It is the single caller that composes every other AEGIS
// component in order; nothing else owns a Request Context.
package pipeline

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-network/aegis-node/internal/aegiserr"
	"github.com/aegis-network/aegis-node/internal/aegislog"
	"github.com/aegis-network/aegis-node/internal/cache"
	"github.com/aegis-network/aegis-node/internal/gossip"
	"github.com/aegis-network/aegis-node/internal/httputil"
	"github.com/aegis-network/aegis-node/internal/metrics"
	"github.com/aegis-network/aegis-node/internal/ratelimit"
	"github.com/aegis-network/aegis-node/internal/reqctx"
	"github.com/aegis-network/aegis-node/internal/router"
	"github.com/aegis-network/aegis-node/internal/trustscore"
	"github.com/aegis-network/aegis-node/internal/waf"
	"github.com/aegis-network/aegis-node/internal/wasmhost"
)

// Origin performs the actual upstream fetch for a matched route (spec
// §4.1 Respond, §4.13 "Origin failure -> 502").
type Origin interface {
	Fetch(ctx context.Context, routeUpstream string, r *http.Request) (status int, headers map[string][]string, body []byte, err error)
}

// Config bundles the per-request tunables the controller needs that
// aren't owned by one of its collaborators.
type Config struct {
	WAFDenySeverity int
	RequestDeadline time.Duration
	StrictDegraded  bool // not read by the controller; a log-backend outage never yields a 503 here
}

// Controller wires together every AEGIS pipeline stage behind the single
// Handle entrypoint (spec §4.1).
type Controller struct {
	cfg Config

	dispatcher *router.Dispatcher
	waf        *waf.RuleSet
	blocklist  *gossip.Store
	limiter    *ratelimit.Registry
	cache      *cache.Cache
	runtime    *wasmhost.Runtime
	origin     Origin
	trust      *trustscore.Tracker

	logger  *aegislog.Logger
	metrics *metrics.Metrics
}

func NewController(cfg Config, dispatcher *router.Dispatcher, rules *waf.RuleSet, blocklist *gossip.Store,
	limiter *ratelimit.Registry, respCache *cache.Cache, runtime *wasmhost.Runtime, origin Origin,
	trust *trustscore.Tracker, logger *aegislog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		cfg:        cfg,
		dispatcher: dispatcher,
		waf:        rules,
		blocklist:  blocklist,
		limiter:    limiter,
		cache:      respCache,
		runtime:    runtime,
		origin:     origin,
		trust:      trust,
		logger:     logger,
		metrics:    m,
	}
}

// outcome is the controller's internal verdict before it's rendered to an
// HTTP response.
type outcome struct {
	status  int
	headers map[string][]string
	body    []byte
	err     error
}

// Handle runs one request through every pipeline stage in order (spec
// §4.1 "components never observe later state than invoked; the
// controller does not parallelize within a single request"). fp is the
// TLS fingerprint captured during the handshake, if any (spec §4.2
// "Fingerprints may be None for plaintext paths").
func (c *Controller) Handle(w http.ResponseWriter, r *http.Request, clientIP string, fp reqctx.Fingerprint) {
	start := time.Now()
	traceID := aegislog.NewTraceID()
	ctx := aegislog.WithTraceID(r.Context(), traceID)

	if c.cfg.RequestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestDeadline)
		defer cancel()
	}

	r = r.WithContext(ctx)
	rc := reqctx.New(traceID, r)
	rc.ClientIP = clientIP
	rc.Fingerprint = fp

	out := c.run(ctx, rc)

	c.respond(w, rc, out)
	c.recordMetrics(rc, out, time.Since(start))
}

func (c *Controller) run(ctx context.Context, rc *reqctx.Context) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{err: aegiserr.DeadlineExceeded()}
	}

	// PreFilter: blocklist then rate limiter (spec §4.1).
	if c.blocklist != nil {
		if ip := net.ParseIP(rc.ClientIP); ip != nil {
			if entry, blocked := c.blocklist.Blocked(ip, time.Now()); blocked {
				rc.Decision = reqctx.DecisionDeny
				return outcome{err: aegiserr.BlocklistDeny(rc.ClientIP).WithDetails("reason", entry.ThreatType)}
			}
		}
	}

	if c.limiter != nil {
		// Per-client-IP is this controller's default resource granularity.
		if decision, ok := c.limiter.Check(ctx, rc.ClientIP, time.Now()); ok && !decision.Allowed {
			rc.Decision = reqctx.DecisionDeny
			retryAfter := int(decision.RetryAfter.Seconds())
			return outcome{err: aegiserr.RateLimited(retryAfter)}
		}
	}

	// Analyze: WAF scan (spec §4.3).
	if c.waf != nil {
		matches := c.waf.Analyze(rc.Method, rc.URI, rc.Headers, rc.Body)
		for _, m := range matches {
			rc.AddMatch(m)
		}
		if verdict := c.waf.Verdict(matches); verdict == waf.ActionBlock || rc.MaxSeverity() >= c.cfg.WAFDenySeverity && c.cfg.WAFDenySeverity > 0 {
			rc.Decision = reqctx.DecisionDeny
			category := ""
			if len(matches) > 0 {
				category = matches[0].Category
			}
			if c.trust != nil {
				c.trust.Record(rc.ClientIP, rc.MaxSeverity(), time.Now())
			}
			return outcome{err: aegiserr.WAFDeny(category)}
		}
	}

	// Route: match compiled table (spec §4.6).
	route, matched := c.dispatcher.Match(rc.Method, rc.URI)
	if !matched {
		rc.Decision = reqctx.DecisionDeny
		return outcome{err: aegiserr.NoRoute(rc.URI)}
	}
	rc.RouteMatched = true

	// Execute: run the route's module chain (spec §4.5).
	if c.runtime != nil {
		for _, cid := range route.Modules {
			result, err := c.runtime.Invoke(ctx, cid, rc.TraceID, rc.Body, wasmhost.Limits{
				WallClockLimit: 50 * time.Millisecond,
			})
			if err != nil {
				// A referenced module that can't be loaded/run doesn't take
				// the whole node down; it degrades this request only (spec
				// §4.13 "Content-store fetch failure ... return configured
				// fallback").
				return outcome{err: aegiserr.ModuleIntegrityFailure(cid)}
			}
			if result.Aborted {
				if c.logger != nil {
					c.logger.LogModuleTrap(ctx, cid, result.AbortReason)
				}
				continue
			}
			if len(result.Output) > 0 {
				rc.Decision = reqctx.DecisionAllow
				return outcome{status: http.StatusOK, body: result.Output}
			}
		}
	}

	// Respond: cache hit, else fetch from origin (spec §4.1, §4.4).
	rc.Decision = reqctx.DecisionAllow
	return c.respondFromCacheOrOrigin(ctx, rc, route)
}

func (c *Controller) respondFromCacheOrOrigin(ctx context.Context, rc *reqctx.Context, route router.Route) outcome {
	key := cache.Key(rc.Method, rc.URI, nil)

	if c.cache != nil {
		if entry, ok := c.cache.Get(key); ok {
			return outcome{status: entry.Status, headers: entry.Headers, body: entry.Body}
		}
	}

	if c.origin == nil || route.Upstream == "" {
		return outcome{err: aegiserr.UpstreamFailure(nil)}
	}

	entry, err := c.fetchAndCache(ctx, key, route.Upstream, rc)
	if err != nil {
		return outcome{err: aegiserr.UpstreamFailure(err)}
	}
	return outcome{status: entry.Status, headers: entry.Headers, body: entry.Body}
}

func (c *Controller) fetchAndCache(ctx context.Context, key, upstream string, rc *reqctx.Context) (*cache.Entry, error) {
	fetch := func() (*cache.Entry, cache.ParsedCacheControl, error) {
		status, headers, body, err := c.origin.Fetch(ctx, upstream, rc.Raw())
		if err != nil {
			return nil, cache.ParsedCacheControl{}, err
		}
		cc := cache.ParseCacheControl(firstHeader(headers, "Cache-Control"))
		entry := &cache.Entry{Status: status, Headers: headers, Body: body}
		return entry, cc, nil
	}
	if c.cache == nil {
		entry, _, err := fetch()
		return entry, err
	}
	return c.cache.Fetch(key, fetch)
}

func firstHeader(headers map[string][]string, name string) string {
	if vs, ok := headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (c *Controller) respond(w http.ResponseWriter, rc *reqctx.Context, out outcome) {
	if out.err != nil {
		httputil.WriteError(w, rc.Raw(), out.err)
		return
	}
	for k, vs := range out.headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Served-By", "AEGIS-Edge-Node")
	w.Header().Set("X-Trace-ID", rc.TraceID)
	status := out.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(out.body) > 0 {
		w.Write(out.body)
	}
}

func (c *Controller) recordMetrics(rc *reqctx.Context, out outcome, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	status := out.status
	if out.err != nil {
		status = aegiserr.HTTPStatus(out.err)
	}
	c.metrics.RecordRequest(strconv.Itoa(status), rc.Decision.String(), elapsed)
}
