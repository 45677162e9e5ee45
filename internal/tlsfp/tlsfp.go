// Package tlsfp parses a TLS ClientHello and derives JA3/JA4 fingerprints
// (spec §4.2), used to classify the connecting client before the request
// ever reaches the WAF.
package tlsfp

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/aegis-network/aegis-node/internal/reqctx"
)

// grease values must be stripped before fingerprinting, per the JA3/JA4
// conventions: GREASE cipher/extension/group IDs are randomized per
// connection by compliant clients and would otherwise make every
// connection fingerprint unique.
var greaseValues = map[uint16]bool{
	0x0a0a: true, 0x1a1a: true, 0x2a2a: true, 0x3a3a: true,
	0x4a4a: true, 0x5a5a: true, 0x6a6a: true, 0x7a7a: true,
	0x8a8a: true, 0x9a9a: true, 0xaaaa: true, 0xbaba: true,
	0xcaca: true, 0xdada: true, 0xeaea: true, 0xfafa: true,
}

// ClientHello is the subset of a parsed ClientHello needed to compute
// JA3/JA4. Parsing the raw record is left to the transport layer (Go's
// crypto/tls does not expose the raw ClientHello directly); this package
// fingerprints from already-decoded fields so it stays testable without a
// real TLS handshake.
type ClientHello struct {
	Version       uint16
	CipherSuites  []uint16
	Extensions    []uint16
	SupportedCurves []uint16
	ECPointFormats []uint16
	ALPNProtocols []string
	ServerName    string
}

// Fingerprint computes the JA3/JA4 fingerprint and classification for a
// parsed ClientHello. It never panics on a degenerate/empty hello: an
// attacker-controlled handshake must not be able to crash the fingerprinter.
func Fingerprint(ch *ClientHello) reqctx.Fingerprint {
	if ch == nil {
		return reqctx.Fingerprint{Present: false}
	}

	ciphers := stripGrease(ch.CipherSuites)
	extensions := stripGrease(ch.Extensions)
	curves := stripGrease(ch.SupportedCurves)

	ja3Raw := fmt.Sprintf("%d,%s,%s,%s,%s",
		ch.Version,
		joinUint16(ciphers),
		joinUint16(extensions),
		joinUint16(curves),
		joinUint16(ch.ECPointFormats),
	)
	ja3 := hex.EncodeToString(md5Sum([]byte(ja3Raw)))

	ja4 := computeJA4(ch, ciphers, extensions)

	fp := reqctx.Fingerprint{
		Present:        true,
		TLSVersion:     ch.Version,
		CipherCount:    len(ch.CipherSuites),
		ExtensionCount: len(ch.Extensions),
		HasSNI:         ch.ServerName != "",
		HasALPN:        len(ch.ALPNProtocols) > 0,
		JA3Raw:         ja3Raw,
		JA3:            ja3,
		JA4:            ja4,
	}
	fp.Classification = classify(fp)
	return fp
}

// FromHelloInfo adapts Go's crypto/tls.ClientHelloInfo (captured via
// Config.GetConfigForClient) into the decoded ClientHello shape Fingerprint
// consumes. Go's tls package does not expose raw extension IDs or the
// supported-groups list, so those fields are left empty: JA3/JA4 still
// derive from what is exposed (version, ciphers, ALPN, SNI), which is
// enough for the Browser/Bot/Scanner/Unknown classification heuristic.
func FromHelloInfo(chi *tls.ClientHelloInfo) *ClientHello {
	if chi == nil {
		return nil
	}
	version := uint16(0)
	if len(chi.SupportedVersions) > 0 {
		for _, v := range chi.SupportedVersions {
			if v > version {
				version = v
			}
		}
	}
	return &ClientHello{
		Version:      version,
		CipherSuites: chi.CipherSuites,
		ALPNProtocols: chi.SupportedProtos,
		ServerName:    chi.ServerName,
	}
}

func computeJA4(ch *ClientHello, ciphers, extensions []uint16) string {
	alpn := "00"
	if len(ch.ALPNProtocols) > 0 && len(ch.ALPNProtocols[0]) >= 2 {
		alpn = ch.ALPNProtocols[0][:2]
	}
	sni := "i" // no SNI
	if ch.ServerName != "" {
		sni = "d" // domain SNI present
	}
	raw := fmt.Sprintf("t%d%s%s_%s_%s", ch.Version, sni, alpn, joinUint16(ciphers), joinUint16(extensions))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:12]
}

func stripGrease(values []uint16) []uint16 {
	out := make([]uint16, 0, len(values))
	for _, v := range values {
		if !greaseValues[v] {
			out = append(out, v)
		}
	}
	return out
}

func joinUint16(values []uint16) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

// classify maps coarse heuristics over the fingerprint to a client type.
// This is deliberately simple: a production deployment would consult a
// maintained fingerprint database; the node ships a heuristic default so
// the classification field is never empty.
func classify(fp reqctx.Fingerprint) string {
	switch {
	case !fp.Present:
		return "Unknown"
	case fp.HasALPN && fp.ExtensionCount >= 8 && fp.CipherCount >= 10:
		return "Browser"
	case fp.CipherCount <= 3:
		return "Scanner"
	case fp.ExtensionCount == 0:
		return "Bot"
	default:
		return "Unknown"
	}
}
