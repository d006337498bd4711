package utils

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPAllowlist matches addresses against a fixed set of CIDR blocks.
type IPAllowlist struct {
	blocks []*net.IPNet
}

// NewIPAllowlist parses cidrs up front so a typo fails at startup rather than
// silently narrowing the list.
func NewIPAllowlist(cidrs []string) (*IPAllowlist, error) {
	a := &IPAllowlist{blocks: make([]*net.IPNet, 0, len(cidrs))}
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", cidr, err)
		}
		a.blocks = append(a.blocks, block)
	}
	return a, nil
}

// Contains checks if the IP address falls into one of the allowed blocks.
func (a *IPAllowlist) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range a.blocks {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedFor resolves the client address behind trusted proxies. When the
// peer is in trusted, RemoteAddr is replaced with the rightmost
// X-Forwarded-For entry that is not itself a trusted proxy. Requests from any
// other peer keep their RemoteAddr and their forwarding headers are ignored.
func ForwardedFor(trusted *IPAllowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if trusted.Contains(ClientIP(r)) {
				if ip := forwardedClient(r.Header.Values("X-Forwarded-For"), trusted); ip != "" {
					r.RemoteAddr = net.JoinHostPort(ip, "0")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(headers []string, trusted *IPAllowlist) string {
	var hops []string
	for _, h := range headers {
		hops = append(hops, strings.Split(h, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			return ""
		}
		if !trusted.Contains(hop) {
			return hop
		}
	}
	return ""
}
