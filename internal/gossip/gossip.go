// Package gossip implements the signed threat-intel blocklist (spec
// §4.9): Ed25519-signed entries, verified against a trusted key set,
// upserted into a latest-wins-by-issued_at blocklist and pushed to the
// packet filter.
package gossip

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Entry is one canonical threat-intel record (spec §3 "Blocklist Entry",
// §4.9 canonical form).
type Entry struct {
	IPOrCIDR   string
	Severity   int
	TTLSecs    int64
	ThreatType string
	IssuedAt   int64
	IssuerKey  ed25519.PublicKey
	Signature  []byte
}

// Expired reports whether issued_at + ttl_secs is in the past relative to now.
func (e Entry) Expired(now time.Time) bool {
	return now.Unix() > e.IssuedAt+e.TTLSecs
}

// CanonicalBytes returns the deterministic byte encoding signed over by
// the issuer (spec §4.9 "signature is an Ed25519 signature over the
// canonical bytes"). Field order and fixed-width integers keep the
// encoding stable across implementations.
func (e Entry) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(e.IPOrCIDR)
	buf.WriteByte(0)
	var ints [24]byte
	binary.BigEndian.PutUint64(ints[0:8], uint64(e.Severity))
	binary.BigEndian.PutUint64(ints[8:16], uint64(e.TTLSecs))
	binary.BigEndian.PutUint64(ints[16:24], uint64(e.IssuedAt))
	buf.Write(ints[:])
	buf.WriteString(e.ThreatType)
	buf.WriteByte(0)
	buf.Write(e.IssuerKey)
	return buf.Bytes()
}

// TrustRoot is a configured or delegated trusted issuer key.
type TrustRoot struct {
	Name      string
	PublicKey ed25519.PublicKey
}

// PacketFilterPusher is the subset of packetfilter.Filter the gossip
// subsystem pushes accepted entries to (spec §4.9 step 5).
type PacketFilterPusher interface {
	AddBlock(ctx context.Context, ipOrCIDR string, ttl time.Duration) error
}

// Persister durably stores the blocklist so it survives a restart (spec
// §4.9 "On node start, the persisted blocklist is restored").
type Persister interface {
	SaveBlocklist(entries []Entry) error
	LoadBlocklist() ([]Entry, error)
}

// Store holds the accepted threat-intel blocklist, keyed by IP/CIDR,
// latest-wins by issued_at (spec §4.9 step 5).
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	trusted map[string]TrustRoot // hex-encoded pubkey -> root

	minSeverity int
	maxFuture   time.Duration

	filter    PacketFilterPusher
	persister Persister

	lastSeen int64 // highest accepted issued_at, for resync requests

	faultCounter int64
	acceptedCounter int64
}

// NewStore builds an empty gossip store.
func NewStore(trustRoots []TrustRoot, minSeverity int, maxFuture time.Duration, filter PacketFilterPusher, persister Persister) *Store {
	trusted := make(map[string]TrustRoot, len(trustRoots))
	for _, r := range trustRoots {
		trusted[string(r.PublicKey)] = r
	}
	if maxFuture <= 0 {
		maxFuture = 5 * time.Minute
	}
	return &Store{
		entries:     make(map[string]Entry),
		trusted:     trusted,
		minSeverity: minSeverity,
		maxFuture:   maxFuture,
		filter:      filter,
		persister:   persister,
	}
}

// Restore loads the persisted blocklist on startup (spec §4.9).
func (s *Store) Restore() error {
	if s.persister == nil {
		return nil
	}
	entries, err := s.persister.LoadBlocklist()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[normalizeKey(e.IPOrCIDR)] = e
		if e.IssuedAt > s.lastSeen {
			s.lastSeen = e.IssuedAt
		}
	}
	return nil
}

// Accept validates and applies an incoming entry, per spec §4.9 steps 1-6.
// Returns (accepted, reason) so callers can log/metric the rejection
// without inspecting an error type.
func (s *Store) Accept(e Entry, now time.Time) (bool, string) {
	root, trusted := s.trusted[string(e.IssuerKey)]
	if !trusted {
		s.fault()
		return false, "untrusted issuer"
	}
	_ = root

	if !ed25519.Verify(e.IssuerKey, e.CanonicalBytes(), e.Signature) {
		s.fault()
		return false, "signature verification failed"
	}

	if time.Unix(e.IssuedAt, 0).After(now.Add(s.maxFuture)) {
		return false, "issued_at too far in the future"
	}
	if e.Expired(now) {
		return false, "entry expired"
	}
	if e.Severity < s.minSeverity {
		return false, "below minimum severity"
	}

	if _, err := parseIPOrCIDR(e.IPOrCIDR); err != nil {
		return false, "malformed ip_or_cidr"
	}

	key := normalizeKey(e.IPOrCIDR)

	s.mu.Lock()
	if existing, ok := s.entries[key]; ok && existing.IssuedAt >= e.IssuedAt {
		s.mu.Unlock()
		return false, "superseded by existing entry"
	}
	s.entries[key] = e
	if e.IssuedAt > s.lastSeen {
		s.lastSeen = e.IssuedAt
	}
	s.acceptedCounter++
	s.mu.Unlock()

	if s.filter != nil {
		_ = s.filter.AddBlock(context.Background(), e.IPOrCIDR, time.Duration(e.TTLSecs)*time.Second)
	}
	if s.persister != nil {
		_ = s.persister.SaveBlocklist(s.Snapshot())
	}
	return true, ""
}

func (s *Store) fault() {
	s.mu.Lock()
	s.faultCounter++
	s.mu.Unlock()
}

// Blocked reports whether ip matches any non-expired accepted entry,
// applied uniformly to IPv4 and IPv6 (spec §4.9 step 6). When multiple
// entries match (a /32 and a covering /24, say) the longest prefix wins,
// with issued_at breaking ties between equally specific entries.
func (s *Store) Blocked(ip net.IP, now time.Time) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best Entry
	var bestPrefix = -1
	found := false

	for _, e := range s.entries {
		if e.Expired(now) {
			continue
		}
		network, err := parseIPOrCIDR(e.IPOrCIDR)
		if err != nil || !network.Contains(ip) {
			continue
		}
		prefix, _ := network.Mask.Size()
		if !found || prefix > bestPrefix || (prefix == bestPrefix && e.IssuedAt > best.IssuedAt) {
			best, bestPrefix, found = e, prefix, true
		}
	}
	return best, found
}

// Snapshot returns every currently accepted entry.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// LastSeen returns the highest issued_at accepted so far, used to build a
// resync request to peers after reconnect (spec §4.9).
func (s *Store) LastSeen() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Counters exposes fault/accept counts for /metrics.
func (s *Store) Counters() (accepted, faults int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acceptedCounter, s.faultCounter
}

func normalizeKey(ipOrCIDR string) string {
	if _, network, err := net.ParseCIDR(ipOrCIDR); err == nil {
		return network.String()
	}
	return ipOrCIDR
}

func parseIPOrCIDR(s string) (*net.IPNet, error) {
	if _, network, err := net.ParseCIDR(s); err == nil {
		return network, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip or cidr: %q", s)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	_, network, err := net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
	return network, err
}

// Sign produces a signature over e's canonical bytes using priv. Provided
// for the node's own locally-issued entries (spec §4.9 "publishes its
// locally-issued entries").
func Sign(e Entry, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, e.CanonicalBytes())
}
