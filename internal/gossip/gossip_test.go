package gossip

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	saved  []Entry
	loaded []Entry
}

func (f *fakePersister) SaveBlocklist(entries []Entry) error {
	f.saved = entries
	return nil
}
func (f *fakePersister) LoadBlocklist() ([]Entry, error) { return f.loaded, nil }

type fakePusher struct {
	blocked []string
}

func (f *fakePusher) AddBlock(ctx context.Context, ipOrCIDR string, ttl time.Duration) error {
	f.blocked = append(f.blocked, ipOrCIDR)
	return nil
}

func signedEntry(pub ed25519.PublicKey, priv ed25519.PrivateKey, ipOrCIDR string, severity int, issuedAt int64, ttl int64) Entry {
	e := Entry{IPOrCIDR: ipOrCIDR, Severity: severity, TTLSecs: ttl, ThreatType: "scan", IssuedAt: issuedAt, IssuerKey: pub}
	e.Signature = Sign(e, priv)
	return e
}

func TestAccept_RejectsUntrustedIssuer(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	other, _, _ := ed25519.GenerateKey(nil)
	s := NewStore(nil, 0, time.Minute, nil, nil)

	e := signedEntry(other, priv, "1.2.3.4/32", 5, time.Now().Unix(), 60)
	ok, reason := s.Accept(e, time.Now())
	assert.False(t, ok)
	assert.Equal(t, "untrusted issuer", reason)
}

func TestAccept_RejectsBadSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 0, time.Minute, nil, nil)

	e := signedEntry(pub, priv, "1.2.3.4/32", 5, time.Now().Unix(), 60)
	e.IPOrCIDR = "9.9.9.9/32" // mutate after signing
	ok, reason := s.Accept(e, time.Now())
	assert.False(t, ok)
	assert.Equal(t, "signature verification failed", reason)
}

func TestAccept_RejectsExpiredAndFutureAndLowSeverity(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 5, time.Minute, nil, nil)
	now := time.Now()

	expired := signedEntry(pub, priv, "1.1.1.1/32", 9, now.Add(-time.Hour).Unix(), 60)
	ok, reason := s.Accept(expired, now)
	assert.False(t, ok)
	assert.Equal(t, "entry expired", reason)

	future := signedEntry(pub, priv, "1.1.1.1/32", 9, now.Add(time.Hour).Unix(), 60)
	ok, reason = s.Accept(future, now)
	assert.False(t, ok)
	assert.Equal(t, "issued_at too far in the future", reason)

	lowSeverity := signedEntry(pub, priv, "1.1.1.1/32", 1, now.Unix(), 60)
	ok, reason = s.Accept(lowSeverity, now)
	assert.False(t, ok)
	assert.Equal(t, "below minimum severity", reason)
}

func TestAccept_AppliesValidEntryAndPushesToFilterAndPersister(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	pusher := &fakePusher{}
	persister := &fakePersister{}
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 1, time.Minute, pusher, persister)
	now := time.Now()

	e := signedEntry(pub, priv, "10.0.0.1/32", 7, now.Unix(), 3600)
	ok, reason := s.Accept(e, now)
	require.True(t, ok, reason)

	assert.Equal(t, []string{"10.0.0.1/32"}, pusher.blocked)
	assert.Len(t, persister.saved, 1)
	assert.Equal(t, now.Unix(), s.LastSeen())

	accepted, faults := s.Counters()
	assert.Equal(t, int64(1), accepted)
	assert.Equal(t, int64(0), faults)
}

func TestAccept_SupersededByNewerEntry(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 0, time.Minute, nil, nil)
	now := time.Now()

	first := signedEntry(pub, priv, "2.2.2.2/32", 5, now.Unix(), 3600)
	ok, _ := s.Accept(first, now)
	require.True(t, ok)

	stale := signedEntry(pub, priv, "2.2.2.2/32", 5, now.Add(-time.Second).Unix(), 3600)
	ok, reason := s.Accept(stale, now)
	assert.False(t, ok)
	assert.Equal(t, "superseded by existing entry", reason)
}

func TestBlocked_LongestPrefixWins(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 0, time.Minute, nil, nil)
	now := time.Now()

	broad := signedEntry(pub, priv, "10.0.0.0/8", 3, now.Unix(), 3600)
	broad.ThreatType = "broad"
	broad.Signature = Sign(broad, priv)
	narrow := signedEntry(pub, priv, "10.0.0.5/32", 3, now.Unix(), 3600)
	narrow.ThreatType = "narrow"
	narrow.Signature = Sign(narrow, priv)

	ok, _ := s.Accept(broad, now)
	require.True(t, ok)
	ok, _ = s.Accept(narrow, now)
	require.True(t, ok)

	entry, blocked := s.Blocked(net.ParseIP("10.0.0.5"), now)
	require.True(t, blocked)
	assert.Equal(t, "narrow", entry.ThreatType)

	entry, blocked = s.Blocked(net.ParseIP("10.0.0.6"), now)
	require.True(t, blocked)
	assert.Equal(t, "broad", entry.ThreatType)

	_, blocked = s.Blocked(net.ParseIP("11.0.0.1"), now)
	assert.False(t, blocked)
}

func TestRestore_LoadsPersistedEntriesAndLastSeen(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	e := signedEntry(pub, priv, "3.3.3.3/32", 5, 123456, 3600)
	persister := &fakePersister{loaded: []Entry{e}}
	s := NewStore([]TrustRoot{{Name: "root", PublicKey: pub}}, 0, time.Minute, nil, persister)

	require.NoError(t, s.Restore())
	assert.Equal(t, int64(123456), s.LastSeen())
	assert.Len(t, s.Snapshot(), 1)
}
