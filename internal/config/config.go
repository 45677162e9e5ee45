// Package config loads the node's YAML configuration file (spec §6.6),
// with environment-variable overrides for secrets and per-deployment
// knobs, in the teacher's env-or-default style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the node's configuration schema (spec §6.6).
type Config struct {
	NodeID   string         `yaml:"node_id"`
	Listen   ListenConfig   `yaml:"listen"`
	Proxies  ProxiesConfig  `yaml:"proxies"`
	Routes   []RouteConfig  `yaml:"routes"`
	WAF      WAFConfig      `yaml:"waf"`
	Cache    CacheConfig    `yaml:"cache"`
	Wasm     WasmConfig     `yaml:"wasm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Gossip   GossipConfig   `yaml:"gossip"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type ListenConfig struct {
	Addr     string `yaml:"addr"`
	TLSAddr  string `yaml:"tls_addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ProxiesConfig struct {
	Trusted []string `yaml:"trusted"`
}

// RouteConfig is the unparsed form of a Route Table entry: (pattern,
// method matcher, ordered module references, per-route limits, upstream).
type RouteConfig struct {
	Pattern        string   `yaml:"pattern"`
	Method         string   `yaml:"method"`
	Modules        []string `yaml:"modules"`
	Upstream       string   `yaml:"upstream"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RateLimitKey   string   `yaml:"rate_limit_key"`
}

type WAFConfig struct {
	RulesFile           string            `yaml:"rules_file"`
	MinSeverity         int               `yaml:"min_severity"`
	MaxInspectionSize   int64             `yaml:"max_inspection_size"`
	OversizedBodyAction string            `yaml:"oversized_body_action"`
	CategoryActions     map[string]string `yaml:"category_actions"`
	MaxBodyBytes        int64             `yaml:"max_body_bytes"`
	BlockThreshold      int               `yaml:"block_threshold"`
}

type CacheConfig struct {
	MaxBytes         int64   `yaml:"max_bytes"`
	EvictionWatermark float64 `yaml:"eviction_watermark"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
}

type WasmConfig struct {
	ModuleDir      string        `yaml:"module_dir"`
	FuelLimit      uint64        `yaml:"fuel_limit"`
	MemoryPages    uint32        `yaml:"memory_pages"`
	WallClockLimit time.Duration `yaml:"wall_clock_limit"`
	PoolSize       int           `yaml:"pool_size"`
}

type RateLimitConfig struct {
	WindowSize    time.Duration `yaml:"window_size"`
	DefaultLimit  int64         `yaml:"default_limit"`
	LocalFallback bool          `yaml:"local_fallback"`
}

type GossipConfig struct {
	NATSUrls   []string `yaml:"nats_urls"`
	TrustRoots []string `yaml:"trust_roots"` // hex-encoded ed25519 public keys
	Subject    string   `yaml:"subject"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// PersistenceConfig selects the backend that durably stores the gossip
// blocklist across restarts (spec §4.9, §5); CRDT counters are not stored.
// Backend is one of "memory", "sqlite", "redis".
type PersistenceConfig struct {
	Backend  string `yaml:"backend"`
	SQLite   string `yaml:"sqlite_path"`
	RedisURL string `yaml:"redis_url"`
}

// Load reads a YAML configuration file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with conservative defaults, overwritten
// by whatever the YAML file and environment specify.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Addr: ":8080"},
		WAF: WAFConfig{
			MaxBodyBytes:        1 << 20,
			BlockThreshold:      5,
			MinSeverity:         1,
			MaxInspectionSize:   1 << 20,
			OversizedBodyAction: "skip",
		},
		Cache:  CacheConfig{MaxBytes: 256 << 20, EvictionWatermark: 0.8, DefaultTTL: 60 * time.Second},
		Wasm:   WasmConfig{FuelLimit: 10_000_000, MemoryPages: 16, WallClockLimit: 50 * time.Millisecond, PoolSize: 4},
		RateLimit: RateLimitConfig{
			WindowSize:    time.Second,
			DefaultLimit:  100,
			LocalFallback: true,
		},
		Gossip: GossipConfig{Subject: "threat.blocklist"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Admin:  AdminConfig{Addr: ":9091"},
		Persistence: PersistenceConfig{Backend: "memory"},
	}
}

// applyEnvOverrides lets a small set of deployment-sensitive fields be set
// without touching the YAML file, mirroring the teacher's env-first pattern.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AEGIS_NODE_ID")); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(os.Getenv("AEGIS_LISTEN_ADDR")); v != "" {
		cfg.Listen.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("AEGIS_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("AEGIS_ADMIN_JWT_SECRET")); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("AEGIS_METRICS_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("AEGIS_NATS_URLS")); v != "" {
		cfg.Gossip.NATSUrls = splitCSV(v)
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside the pipeline.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Cache.EvictionWatermark <= 0 || c.Cache.EvictionWatermark > 1 {
		return fmt.Errorf("cache.eviction_watermark must be in (0, 1]")
	}
	if c.Wasm.PoolSize <= 0 {
		return fmt.Errorf("wasm.pool_size must be positive")
	}
	return nil
}
