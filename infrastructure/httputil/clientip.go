package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the originating client address of a request.
//
// The gateway and every backend sit behind an ingress on a private network,
// so forwarded headers are honored only when the direct peer is itself a
// private/loopback address. A request arriving straight from the internet
// could spoof X-Forwarded-For, so for public peers the socket address wins.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	peer := stripPort(r.RemoteAddr)
	if !peerIsTrustedProxy(peer) {
		return peer
	}

	// X-Forwarded-For lists client-first; later hops append themselves.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if candidate := stripPort(first); net.ParseIP(candidate) != nil {
			return candidate
		}
	}
	if xri := stripPort(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	return peer
}

// peerIsTrustedProxy reports whether the direct peer may carry forwarding
// headers on behalf of the real client.
func peerIsTrustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
