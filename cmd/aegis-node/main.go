// Package main is the AEGIS edge-proxy node entry point: it loads
// configuration, wires every pipeline component, and serves ingress
// traffic until a shutdown signal arrives.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-network/aegis-node/internal/aegislog"
	"github.com/aegis-network/aegis-node/internal/cache"
	"github.com/aegis-network/aegis-node/internal/config"
	"github.com/aegis-network/aegis-node/internal/control"
	"github.com/aegis-network/aegis-node/internal/crdt"
	"github.com/aegis-network/aegis-node/internal/gossip"
	"github.com/aegis-network/aegis-node/internal/httputil"
	"github.com/aegis-network/aegis-node/internal/logbridge"
	"github.com/aegis-network/aegis-node/internal/metrics"
	"github.com/aegis-network/aegis-node/internal/middleware"
	"github.com/aegis-network/aegis-node/internal/packetfilter"
	"github.com/aegis-network/aegis-node/internal/pipeline"
	"github.com/aegis-network/aegis-node/internal/ratelimit"
	"github.com/aegis-network/aegis-node/internal/router"
	"github.com/aegis-network/aegis-node/internal/server"
	"github.com/aegis-network/aegis-node/internal/store"
	"github.com/aegis-network/aegis-node/internal/tracing"
	"github.com/aegis-network/aegis-node/internal/trustscore"
	"github.com/aegis-network/aegis-node/internal/waf"
	"github.com/aegis-network/aegis-node/internal/wasmhost"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := aegislog.New("aegis-node", cfg.Log.Level, cfg.Log.Format)
	logger.Logger.WithField("node_id", cfg.NodeID).Info("starting aegis node")

	m := metrics.New(cfg.NodeID)

	tracer, err := tracing.NewProvider(tracing.Config{Enabled: cfg.Metrics.Enabled, NodeID: cfg.NodeID})
	if err != nil {
		logger.Fatal(context.Background(), "init tracer", err)
	}

	persistBackend := buildPersistenceBackend(cfg, logger)

	pf := packetfilter.NewUserspaceFilter()

	trustRoots, err := parseTrustRoots(cfg.Gossip.TrustRoots)
	if err != nil {
		logger.Fatal(context.Background(), "parse gossip trust roots", err)
	}
	blocklist := gossip.NewStore(trustRoots, 1, 5*time.Minute, pf, &blocklistPersister{backend: persistBackend})
	if err := blocklist.Restore(); err != nil {
		logger.Logger.WithError(err).Warn("blocklist restore failed, starting empty")
	}

	var bridge *logbridge.Bridge
	if len(cfg.Gossip.NATSUrls) > 0 {
		bridge, err = logbridge.Connect(logbridge.Config{
			URL:            cfg.Gossip.NATSUrls[0],
			Stream:         "AEGIS",
			ActorID:        cfg.NodeID,
			ConnectTimeout: 5 * time.Second,
		}, logger)
		if err != nil {
			logger.Logger.WithError(err).Warn("logbridge connect failed, running degraded (local-only counters)")
		}
	}

	var limiter *ratelimit.Registry
	if bridge != nil {
		limiter = ratelimit.NewRegistry(bridge)
	} else {
		limiter = ratelimit.NewRegistry(noopBucketCounter{})
	}
	limiter.ConfigureClientRule(ratelimit.Rule{
		WindowDuration: cfg.RateLimit.WindowSize,
		MaxRequests:    uint64(cfg.RateLimit.DefaultLimit),
	})

	if bridge != nil {
		if err := bridge.Subscribe(cfg.Gossip.Subject); err != nil {
			logger.Logger.WithError(err).Warn("counter subscribe failed")
		}
		wireGossipTransport(bridge, blocklist, cfg.Gossip.Subject, logger)
	}

	trust := trustscore.NewTracker(trustscore.DefaultConfig())

	respCache := cache.New(cache.Config{
		MaxBytes:   cfg.Cache.MaxBytes,
		Watermark:  cfg.Cache.EvictionWatermark,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})

	rules, err := loadWAFRules(cfg.WAF)
	if err != nil {
		logger.Fatal(context.Background(), "load waf rules", err)
	}
	ruleSet, err := waf.Compile(rules, waf.Config{
		MinSeverity:         cfg.WAF.MinSeverity,
		MaxInspectionSize:   cfg.WAF.MaxInspectionSize,
		OversizedBodyAction: waf.ParseOversizedBodyAction(cfg.WAF.OversizedBodyAction),
		CategoryActions:     parseCategoryActions(cfg.WAF.CategoryActions),
	})
	if err != nil {
		logger.Fatal(context.Background(), "compile waf rule set", err)
	}

	runtime, err := wasmhost.NewRuntime(
		&cacheBackend{c: respCache},
		&outboundClient{client: &http.Client{Timeout: 5 * time.Second}},
		func(traceID, line string) { logger.Logger.WithField("trace_id", traceID).Info(line) },
	)
	if err != nil {
		logger.Fatal(context.Background(), "init wasm runtime", err)
	}
	contentStore := wasmhost.NewContentStoreClient(wasmhost.NewFileModuleStore(cfg.Wasm.ModuleDir), 5*time.Second, 30*time.Second)
	loadRouteModules(context.Background(), cfg.Routes, contentStore, runtime, cfg.Wasm.PoolSize, logger)

	defs := make([]router.Definition, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		defs[i] = router.Definition{
			Pattern:  rt.Pattern,
			Method:   rt.Method,
			Modules:  rt.Modules,
			Upstream: rt.Upstream,
			Limits: router.Limits{
				MaxBodyBytes:   rt.MaxBodyBytes,
				TimeoutSeconds: rt.TimeoutSeconds,
				RateLimitKey:   rt.RateLimitKey,
			},
		}
	}
	table, err := router.Compile(defs)
	if err != nil {
		logger.Fatal(context.Background(), "compile route table", err)
	}
	dispatcher := router.NewDispatcher(table)

	origin := server.NewUpstreamClient(5*time.Second, 10*time.Second)

	controller := pipeline.NewController(
		pipeline.Config{WAFDenySeverity: cfg.WAF.BlockThreshold, RequestDeadline: 10 * time.Second},
		dispatcher, ruleSet, blocklist, limiter, respCache, runtime, origin, trust, logger, m,
	)

	trusted := httputil.NewTrustedProxies(cfg.Proxies.Trusted)
	ingress := server.NewIngress(server.Config{
		Addr:           cfg.Listen.Addr,
		TLSAddr:        cfg.Listen.TLSAddr,
		CertFile:       cfg.Listen.CertFile,
		KeyFile:        cfg.Listen.KeyFile,
		NodeID:         cfg.NodeID,
		TrustedProxies: trusted,
	}, controller, func(h http.Handler) http.Handler {
		return middleware.Recovery(logger)(middleware.RequestLogging(logger)(h))
	})

	var resync control.ResyncTrigger
	if bridge != nil {
		resync = &gossipResync{bridge: bridge}
	}
	adminServer := control.NewServer(cfg.Admin, dispatcher, dispatcher, blocklist, resync)

	shutdown := middleware.NewGracefulShutdown(nil, 15*time.Second, logger)
	shutdown.OnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ingress.Shutdown(ctx); err != nil {
			logger.Logger.WithError(err).Error("ingress shutdown error")
		}
		if err := runtime.Close(ctx); err != nil {
			logger.Logger.WithError(err).Error("wasm runtime close error")
		}
		if bridge != nil {
			bridge.Close()
		}
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Logger.WithError(err).Error("tracer shutdown error")
		}
		if err := persistBackend.Close(ctx); err != nil {
			logger.Logger.WithError(err).Error("persistence backend close error")
		}
	})
	shutdown.ListenForSignals()

	go func() {
		if err := ingress.ListenAndServe(); err != nil {
			logger.Fatal(context.Background(), "plaintext listener failed", err)
		}
	}()
	if cfg.Listen.TLSAddr != "" {
		go func() {
			if err := ingress.ListenAndServeTLS(); err != nil {
				logger.Fatal(context.Background(), "tls listener failed", err)
			}
		}()
	}
	if cfg.Admin.Enabled {
		go func() {
			if err := http.ListenAndServe(cfg.Admin.Addr, adminServer); err != nil && err != http.ErrServerClosed {
				logger.Logger.WithError(err).Error("admin listener failed")
			}
		}()
	}
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/healthz", middleware.LivenessHandler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Logger.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	go reportUptime(m, time.Now())

	shutdown.Wait()
	logger.Logger.Info("aegis node stopped")
}

func reportUptime(m *metrics.Metrics, start time.Time) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.UpdateUptime(start)
	}
}

// buildPersistenceBackend selects the durable store for the gossip
// blocklist per persistence.backend (spec §4.9, §5). A backend that
// fails to open falls back to memory rather than blocking startup: the
// node still serves traffic, just without a blocklist that survives a
// restart.
func buildPersistenceBackend(cfg *config.Config, logger *aegislog.Logger) store.Backend {
	switch cfg.Persistence.Backend {
	case "sqlite":
		backend, err := store.NewSQLiteBackend(cfg.Persistence.SQLite)
		if err != nil {
			logger.Logger.WithError(err).Warn("sqlite persistence backend failed to open, falling back to memory")
			return store.NewMemoryBackend()
		}
		return backend
	case "redis":
		opts, err := redis.ParseURL(cfg.Persistence.RedisURL)
		if err != nil {
			logger.Logger.WithError(err).Warn("invalid redis url, falling back to memory")
			return store.NewMemoryBackend()
		}
		return store.NewRedisBackend(redis.NewClient(opts), "aegis:")
	default:
		return store.NewMemoryBackend()
	}
}

func parseTrustRoots(hexKeys []string) ([]gossip.TrustRoot, error) {
	roots := make([]gossip.TrustRoot, 0, len(hexKeys))
	for i, hk := range hexKeys {
		raw, err := hex.DecodeString(hk)
		if err != nil {
			return nil, fmt.Errorf("trust root %d: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust root %d: wrong key size", i)
		}
		roots = append(roots, gossip.TrustRoot{Name: fmt.Sprintf("root-%d", i), PublicKey: ed25519.PublicKey(raw)})
	}
	return roots, nil
}

func loadWAFRules(cfg config.WAFConfig) ([]waf.Rule, error) {
	if cfg.RulesFile == "" {
		return nil, nil
	}
	return waf.LoadRules(cfg.RulesFile)
}

func parseCategoryActions(raw map[string]string) map[string]waf.Action {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]waf.Action, len(raw))
	for k, v := range raw {
		out[k] = waf.ParseAction(v)
	}
	return out
}

// loadRouteModules loads every distinct Wasm module CID referenced by the
// route table into the runtime's instance pool before serving traffic. A
// module that fails to load is logged and skipped rather than failing
// node startup: the route still compiles, and the pipeline treats the
// unloaded module as an integrity failure per request (spec §4.13).
func loadRouteModules(ctx context.Context, routes []config.RouteConfig, cs *wasmhost.ContentStoreClient, rt *wasmhost.Runtime, poolSize int, logger *aegislog.Logger) {
	seen := make(map[string]bool)
	for _, r := range routes {
		for _, cid := range r.Modules {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			data, _, err := cs.Load(ctx, cid)
			if err != nil {
				logger.Logger.WithField("cid", cid).WithError(err).Error("module load failed at startup")
				continue
			}
			if err := rt.LoadModule(ctx, cid, data, poolSize); err != nil {
				logger.Logger.WithField("cid", cid).WithError(err).Error("module compile failed at startup")
			}
		}
	}
}

// wireGossipTransport subscribes to the gossip subject and feeds decoded
// entries into the blocklist's Accept path (spec §4.9).
func wireGossipTransport(bridge *logbridge.Bridge, blocklist *gossip.Store, subject string, logger *aegislog.Logger) {
	err := bridge.SubscribeRaw(subject, "aegis-gossip", func(data []byte) {
		var e gossip.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logger.Logger.WithError(err).Warn("malformed gossip payload")
			return
		}
		accepted, reason := blocklist.Accept(e, time.Now())
		logger.LogGossipEvent(context.Background(), accepted, e.IPOrCIDR, reason)
	})
	if err != nil {
		logger.Logger.WithError(err).Warn("gossip subscribe failed")
	}
}

// gossipResync satisfies control.ResyncTrigger by publishing a resync
// request carrying sinceUnix on the "node.resync" subject. The node does
// not subscribe to that subject, so nothing in it answers a request by
// republishing entries.
type gossipResync struct {
	bridge *logbridge.Bridge
}

type resyncRequest struct {
	SinceUnix int64 `json:"since_unix"`
}

func (g *gossipResync) RequestResync(sinceUnix int64) error {
	payload, err := json.Marshal(resyncRequest{SinceUnix: sinceUnix})
	if err != nil {
		return err
	}
	return g.bridge.PublishRaw(context.Background(), "node.resync", payload)
}

// blocklistPersister adapts a store.Backend to gossip.Persister.
type blocklistPersister struct {
	backend store.Backend
}

const blocklistPersistKey = "gossip/blocklist"

func (p *blocklistPersister) SaveBlocklist(entries []gossip.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return p.backend.Save(context.Background(), blocklistPersistKey, data)
}

func (p *blocklistPersister) LoadBlocklist() ([]gossip.Entry, error) {
	data, err := p.backend.Load(context.Background(), blocklistPersistKey)
	if err != nil {
		return nil, nil
	}
	var entries []gossip.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// cacheBackend adapts the response cache to the Wasm host ABI's
// cache_get/cache_set capability.
type cacheBackend struct {
	c *cache.Cache
}

func (b *cacheBackend) GetBytes(key string) ([]byte, bool) {
	entry, ok := b.c.Get(key)
	if !ok {
		return nil, false
	}
	return entry.Body, true
}

func (b *cacheBackend) SetBytes(key string, value []byte, ttl time.Duration) error {
	cc := cache.ParsedCacheControl{HasMaxAge: ttl > 0, MaxAge: ttl}
	b.c.Set(key, http.StatusOK, nil, value, cc)
	return nil
}

// outboundClient implements the Wasm host ABI's http_get capability
// against a bare net/http client. A production deployment would layer an
// allow-list and per-module rate limit here (spec §4.5); the node ships
// the unrestricted client and expects the operator to scope module
// capabilities at the content-store/admission level until that policy
// layer exists.
type outboundClient struct {
	client *http.Client
}

func (o *outboundClient) Get(ctx context.Context, moduleCID, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

// noopBucketCounter backs the rate limiter's local fallback path when no
// gossip log backend is configured: Connected always reports false so
// Limiter.Check uses its in-process token bucket exclusively (spec §4.8
// "Degraded mode: local single-node token bucket").
type noopBucketCounter struct{}

func (noopBucketCounter) Counter(key string) *crdt.GCounter { return crdt.NewGCounter(key) }
func (noopBucketCounter) Publish(ctx context.Context, resource string, value uint64) error {
	return nil
}
func (noopBucketCounter) Connected() bool { return false }
