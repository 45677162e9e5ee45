// Package packetfilter models the kernel-level packet classifier (spec
// §4.11) as a pluggable capability behind a small RPC-like interface. The
// real implementation would be an eBPF/XDP program; this package ships a
// userspace stub so the rest of the node has something to attach to where
// kernel support is absent.
package packetfilter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Counters mirrors the kernel program's packet accounting.
type Counters struct {
	Total   uint64
	SYN     uint64
	Dropped uint64
	Passed  uint64
}

// Filter is the contract the rest of the node interacts with, independent
// of whether packets are actually classified in the kernel or in
// userspace.
type Filter interface {
	SetSYNThreshold(pps int) error
	AddBlock(ctx context.Context, ipOrCIDR string, ttl time.Duration) error
	RemoveBlock(ctx context.Context, ipOrCIDR string) error
	ListBlocks(ctx context.Context) ([]string, error)
	Counters() Counters
	Attach(iface string) error
	Detach() error
}

const (
	minSYNThreshold = 10
	maxSYNThreshold = 10_000
)

type blockEntry struct {
	network  *net.IPNet
	ip       net.IP
	expiry   time.Time
}

// UserspaceFilter is the stub implementation used when no kernel-level
// filter is attached: it tracks the same block list and counters in
// process memory, so higher layers (gossip, the pipeline controller) can
// be written once against the Filter interface.
type UserspaceFilter struct {
	mu           sync.RWMutex
	synThreshold int
	iface        string
	blocks       map[string]blockEntry
	counters     Counters
}

func NewUserspaceFilter() *UserspaceFilter {
	return &UserspaceFilter{
		synThreshold: 1000,
		blocks:       make(map[string]blockEntry),
	}
}

func (f *UserspaceFilter) SetSYNThreshold(pps int) error {
	if pps < minSYNThreshold {
		pps = minSYNThreshold
	}
	if pps > maxSYNThreshold {
		pps = maxSYNThreshold
	}
	f.mu.Lock()
	f.synThreshold = pps
	f.mu.Unlock()
	return nil
}

func (f *UserspaceFilter) AddBlock(ctx context.Context, ipOrCIDR string, ttl time.Duration) error {
	entry := blockEntry{}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}

	if _, network, err := net.ParseCIDR(ipOrCIDR); err == nil {
		entry.network = network
	} else if ip := net.ParseIP(ipOrCIDR); ip != nil {
		entry.ip = ip
	} else {
		return fmt.Errorf("invalid ip or cidr: %q", ipOrCIDR)
	}

	f.mu.Lock()
	f.blocks[ipOrCIDR] = entry
	f.mu.Unlock()
	return nil
}

func (f *UserspaceFilter) RemoveBlock(ctx context.Context, ipOrCIDR string) error {
	f.mu.Lock()
	delete(f.blocks, ipOrCIDR)
	f.mu.Unlock()
	return nil
}

func (f *UserspaceFilter) ListBlocks(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	out := make([]string, 0, len(f.blocks))
	for k, v := range f.blocks {
		if !v.expiry.IsZero() && now.After(v.expiry) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Blocked reports whether ip matches a live block entry. The pipeline
// controller's PreFilter stage does not call it; it consults the gossip
// blocklist (gossip.Store.Blocked) instead.
func (f *UserspaceFilter) Blocked(ip net.IP) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	for _, v := range f.blocks {
		if !v.expiry.IsZero() && now.After(v.expiry) {
			continue
		}
		if v.network != nil && v.network.Contains(ip) {
			return true
		}
		if v.ip != nil && v.ip.Equal(ip) {
			return true
		}
	}
	return false
}

func (f *UserspaceFilter) Counters() Counters {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counters
}

// RecordPacket lets the ingress path feed packet-level accounting into
// the stub's counters when no real kernel filter is attached.
func (f *UserspaceFilter) RecordPacket(isSYN, dropped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.Total++
	if isSYN {
		f.counters.SYN++
	}
	if dropped {
		f.counters.Dropped++
	} else {
		f.counters.Passed++
	}
}

func (f *UserspaceFilter) Attach(iface string) error {
	f.mu.Lock()
	f.iface = iface
	f.mu.Unlock()
	return nil
}

func (f *UserspaceFilter) Detach() error {
	f.mu.Lock()
	f.iface = ""
	f.mu.Unlock()
	return nil
}
