package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
)

// IPConfig says which peers may report the client address on our behalf.
// Entries are CIDR ranges or single addresses; invalid entries are ignored.
type IPConfig struct {
	TrustedProxies []string

	once     sync.Once
	prefixes []netip.Prefix
}

func (c *IPConfig) trusted(addr netip.Addr) bool {
	if c == nil || len(c.TrustedProxies) == 0 {
		return false
	}

	c.once.Do(func() {
		for _, entry := range c.TrustedProxies {
			entry = strings.TrimSpace(entry)
			if p, err := netip.ParsePrefix(entry); err == nil {
				c.prefixes = append(c.prefixes, p.Masked())
				continue
			}
			if a, err := netip.ParseAddr(entry); err == nil {
				a = a.Unmap()
				c.prefixes = append(c.prefixes, netip.PrefixFrom(a, a.BitLen()))
			}
		}
	})

	addr = addr.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the address the lockout ledger is keyed on.
//
// Forwarding headers are only read when the direct peer is a trusted proxy.
// X-Forwarded-For is walked from the right, skipping trusted hops, so a
// client cannot pick its own address by prepending entries. The result is
// normalized; an unparseable peer is returned as "unknown".
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	peer, ok := remoteAddr(r)
	if !ok {
		return "unknown"
	}
	if !config.trusted(peer) {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		var leftmost netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// a garbled hop ends the chain we can vouch for
				break
			}
			addr = addr.Unmap().WithZone("")
			leftmost = addr
			if !config.trusted(addr) {
				return addr.String()
			}
		}
		if leftmost.IsValid() {
			return leftmost.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap().WithZone("").String()
		}
	}

	return peer.String()
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// NormalizeAddress returns the canonical text form of an IP address, with
// IPv4-mapped IPv6 addresses unmapped and zones dropped, so one client never
// shows up under two spellings.
func NormalizeAddress(address string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}
