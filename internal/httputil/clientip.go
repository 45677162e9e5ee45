// Package httputil provides shared HTTP helpers for ingress handling:
// trusted-proxy client-IP resolution, bounded error responses, and request
// body capping (spec §6.1, §7).
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is a set of IPs/CIDRs allowed to set X-Forwarded-For /
// X-Real-IP (spec §6.1 "proxies.trusted").
type TrustedProxies struct {
	nets []*net.IPNet
	ips  map[string]bool
}

// NewTrustedProxies parses a list of IP or CIDR strings.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{ips: make(map[string]bool)}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, ipNet, err := net.ParseCIDR(e); err == nil {
				tp.nets = append(tp.nets, ipNet)
			}
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			tp.ips[ip.String()] = true
		}
	}
	return tp
}

func (tp *TrustedProxies) trusts(ip net.IP) bool {
	if tp == nil || ip == nil {
		return false
	}
	if tp.ips[ip.String()] {
		return true
	}
	for _, n := range tp.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the client IP following the trusted-proxy chain of
// spec §6.1: X-Forwarded-For / X-Real-IP are honored only when the direct
// transport peer is a trusted proxy; the leftmost non-trusted hop in
// X-Forwarded-For is taken as the client. Never panics on malformed input.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	if r == nil {
		return ""
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	remoteIP := net.ParseIP(remote)

	if trusted.trusts(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			hops := strings.Split(xff, ",")
			for _, hop := range hops {
				candidate := strings.TrimSpace(hop)
				if host, _, err := net.SplitHostPort(candidate); err == nil {
					candidate = host
				}
				candidateIP := net.ParseIP(candidate)
				if candidateIP == nil {
					continue
				}
				// Leftmost hop that is not itself a trusted proxy is the client.
				if !trusted.trusts(candidateIP) {
					return candidate
				}
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if host, _, err := net.SplitHostPort(xri); err == nil {
				xri = host
			}
			if xri != "" {
				return xri
			}
		}
	}

	return remote
}
