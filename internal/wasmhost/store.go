// Package wasmhost implements the Wasm module runtime and its capability
// host ABI (spec §4.5): modules are loaded by content hash from a
// content-addressed store, re-verified before acceptance, pooled per
// module hash, and executed under fuel/wall-clock/memory/stack limits.
package wasmhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxModuleSize is the hard ceiling on a fetched module's size (spec §6.4).
const MaxModuleSize = 10 << 20

// ModuleStore fetches module bytes by content identifier.
type ModuleStore interface {
	Fetch(ctx context.Context, cid string, timeout time.Duration) ([]byte, error)
}

// CID identifies module bytes by hash algorithm and digest, e.g.
// "sha256:ab12...". ComputeCID always uses sha256 for locally-computed
// digests; ParseCID accepts any algorithm token so a future digest scheme
// doesn't require a wire format change.
type CID struct {
	Algorithm string
	Digest    string
}

func (c CID) String() string { return c.Algorithm + ":" + c.Digest }

// ParseCID splits a "algo:digest" reference.
func ParseCID(s string) (CID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CID{}, fmt.Errorf("malformed cid %q", s)
	}
	return CID{Algorithm: parts[0], Digest: parts[1]}, nil
}

// ComputeCID hashes module bytes with sha256, the node's only supported
// digest algorithm (spec §6.4 leaves the algorithm choice to the implementer).
func ComputeCID(data []byte) CID {
	sum := sha256.Sum256(data)
	return CID{Algorithm: "sha256", Digest: hex.EncodeToString(sum[:])}
}

// VerifyDigest recomputes the digest of data and compares it against cid,
// constant-time-irrelevant since both sides are already public identifiers.
func VerifyDigest(cid CID, data []byte) bool {
	if cid.Algorithm != "sha256" {
		return false
	}
	computed := ComputeCID(data)
	return computed.Digest == cid.Digest
}

// poisonEntry tracks a CID that recently failed validation, so repeated
// requests for a known-bad module don't repeatedly hit the content store
// (spec §4.5 "cached as poisoned for a short period").
type poisonEntry struct {
	until time.Time
}

// ContentStoreClient wraps a ModuleStore with digest re-verification and a
// poison cache.
type ContentStoreClient struct {
	store        ModuleStore
	fetchTimeout time.Duration
	poisonTTL    time.Duration

	mu      sync.Mutex
	poisons map[string]poisonEntry
}

func NewContentStoreClient(store ModuleStore, fetchTimeout, poisonTTL time.Duration) *ContentStoreClient {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	if poisonTTL <= 0 {
		poisonTTL = 30 * time.Second
	}
	return &ContentStoreClient{
		store:        store,
		fetchTimeout: fetchTimeout,
		poisonTTL:    poisonTTL,
		poisons:      make(map[string]poisonEntry),
	}
}

var ErrPoisoned = fmt.Errorf("module cid is poisoned")
var ErrDigestMismatch = fmt.Errorf("fetched bytes do not match cid")
var ErrTooLarge = fmt.Errorf("module exceeds maximum size")

// Load fetches and verifies module bytes for cidStr, consulting and
// updating the poison cache.
func (c *ContentStoreClient) Load(ctx context.Context, cidStr string) ([]byte, CID, error) {
	cid, err := ParseCID(cidStr)
	if err != nil {
		return nil, CID{}, err
	}

	c.mu.Lock()
	if p, ok := c.poisons[cidStr]; ok && time.Now().Before(p.until) {
		c.mu.Unlock()
		return nil, cid, ErrPoisoned
	}
	c.mu.Unlock()

	data, err := c.store.Fetch(ctx, cidStr, c.fetchTimeout)
	if err != nil {
		return nil, cid, err
	}
	if len(data) > MaxModuleSize {
		c.poison(cidStr)
		return nil, cid, ErrTooLarge
	}
	if !VerifyDigest(cid, data) {
		c.poison(cidStr)
		return nil, cid, ErrDigestMismatch
	}
	return data, cid, nil
}

func (c *ContentStoreClient) poison(cidStr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisons[cidStr] = poisonEntry{until: time.Now().Add(c.poisonTTL)}
}
