package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// cloudflareRanges are Cloudflare's published IPv6 edge ranges, trusted
// unconditionally for X-Forwarded-For/X-Real-IP rewriting in addition to
// whatever the operator configures (spec.md §6).
var cloudflareRanges = mustParseCIDRs([]string{
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2405:8100::/32",
	"2a06:98c0::/29",
	"2c0f:f248::/32",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("httpapi: invalid hard-coded CIDR " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// ClientIP resolves the real client address for r, honoring
// X-Forwarded-For (first entry) then X-Real-IP only when the immediate
// TCP peer is in trustedCIDRs or the hard-coded Cloudflare ranges;
// otherwise it returns the TCP peer address verbatim.
func ClientIP(r *http.Request, trustedCIDRs []*net.IPNet) net.IP {
	peerHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerHost = r.RemoteAddr
	}
	peer := net.ParseIP(peerHost)
	if peer == nil {
		return nil
	}

	if !isTrusted(peer, trustedCIDRs) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}
	return peer
}

func isTrusted(ip net.IP, trustedCIDRs []*net.IPNet) bool {
	for _, n := range trustedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	for _, n := range cloudflareRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedCIDRs parses operator-supplied CIDR strings, already
// validated by config.Config.Validate.
func ParseTrustedCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}
