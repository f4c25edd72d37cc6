// Package ipresolve extracts a best-effort true client IP from request
// headers without trusting anything a client can forge on its own.
package ipresolve

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Unknown is the fail-closed sentinel: no candidate could be tied to a
// provable trusted-proxy hop.
const Unknown = "unknown"

// Header names consulted during resolution. The forwarded chain and the
// single-value real-IP header are client-controllable; the socket peer is
// not.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

type Resolver struct {
	trusted *TrustTable
}

func NewResolver(trusted *TrustTable) *Resolver {
	return &Resolver{trusted: trusted}
}

// ClientIP resolves the caller address for the request. Priority:
//
//  1. the socket peer, when it is a valid public address outside every
//     trusted-proxy range (a direct connection, nothing to unwrap);
//  2. the forwarded chain walked left to right, returning the first valid
//     public address that is not itself a trusted proxy, but only when the
//     chain also contains at least one trusted-proxy member proving the
//     request actually traversed the edge;
//  3. the single-value real-IP header, under the same proof requirement;
//  4. Unknown.
//
// Identical headers always resolve identically.
func (r *Resolver) ClientIP(req *http.Request) string {
	if peer := r.peerAddr(req.RemoteAddr); peer != "" {
		return peer
	}

	chain := parseChain(req.Header.Get(HeaderForwardedFor))
	hasTrustedHop := false
	for _, a := range chain {
		if r.trusted.Contains(a) {
			hasTrustedHop = true
			break
		}
	}

	if hasTrustedHop {
		for _, a := range chain {
			if r.trusted.Contains(a) || !publicAddr(a) {
				continue
			}
			return Normalize(a)
		}
		if real, ok := parseCandidate(req.Header.Get(HeaderRealIP)); ok && publicAddr(real) && !r.trusted.Contains(real) {
			return Normalize(real)
		}
	}

	return Unknown
}

// peerAddr returns the socket peer when it is usable as a platform-
// asserted client address: valid, public, and not an edge proxy.
func (r *Resolver) peerAddr(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	a, ok := parseCandidate(host)
	if !ok || !publicAddr(a) || r.trusted.Contains(a) {
		return ""
	}
	return Normalize(a)
}

// parseChain splits a forwarded-for header into strictly validated
// addresses, dropping anything that fails IP grammar.
func parseChain(header string) []netip.Addr {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]netip.Addr, 0, len(parts))
	for _, p := range parts {
		if a, ok := parseCandidate(p); ok {
			out = append(out, a)
		}
	}
	return out
}

// parseCandidate applies strict IPv4/IPv6 grammar to one header value.
// Port suffixes and brackets are tolerated; anything else is rejected.
func parseCandidate(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	s = strings.Trim(s, "[]")
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a, true
}

// publicAddr rejects addresses that cannot be a real client: private,
// loopback, link-local, multicast, unspecified.
func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return !(a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsMulticast() || a.IsUnspecified())
}

// Normalize unwraps IPv4-mapped IPv6 to plain IPv4 and folds the IPv6
// loopback onto its IPv4 form, so the same client keys identically
// regardless of network stack.
func Normalize(a netip.Addr) string {
	a = a.Unmap()
	if a == netip.IPv6Loopback() {
		return "127.0.0.1"
	}
	return a.String()
}

// NormalizeString is Normalize over a raw string; invalid input returns
// Unknown.
func NormalizeString(s string) string {
	a, ok := parseCandidate(s)
	if !ok {
		return Unknown
	}
	return Normalize(a)
}
