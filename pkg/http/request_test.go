package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP(t *testing.T) {
	proxies := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8", "2001:db8:ffff::/48", "192.0.2.1"}}

	tests := []struct {
		name      string
		config    *pkghttp.IPConfig
		remote    string
		forwarded string
		realIP    string
		want      string
	}{
		{
			name:      "direct client cannot spoof with headers",
			config:    proxies,
			remote:    "203.0.113.10:54321",
			forwarded: "1.2.3.4",
			realIP:    "192.168.1.1",
			want:      "203.0.113.10",
		},
		{
			name:      "nil config never reads headers",
			remote:    "203.0.113.10:54321",
			forwarded: "1.2.3.4",
			want:      "203.0.113.10",
		},
		{
			name:      "empty trust list never reads headers",
			config:    &pkghttp.IPConfig{},
			remote:    "127.0.0.1:8080",
			forwarded: "1.2.3.4",
			want:      "127.0.0.1",
		},
		{
			name:      "trusted proxy forwards client",
			config:    proxies,
			remote:    "10.0.0.5:443",
			forwarded: "203.0.113.42",
			want:      "203.0.113.42",
		},
		{
			name:      "prepended entries are ignored",
			config:    proxies,
			remote:    "10.0.0.5:443",
			forwarded: "1.2.3.4, 203.0.113.42",
			want:      "203.0.113.42",
		},
		{
			name:      "trusted hops are skipped",
			config:    proxies,
			remote:    "10.0.0.5:443",
			forwarded: "203.0.113.42, 10.1.2.3, 10.0.0.9",
			want:      "203.0.113.42",
		},
		{
			name:      "single trusted address entry",
			config:    proxies,
			remote:    "192.0.2.1:443",
			forwarded: "198.51.100.8",
			want:      "198.51.100.8",
		},
		{
			name:      "all hops trusted yields leftmost",
			config:    proxies,
			remote:    "10.0.0.5:443",
			forwarded: "10.9.9.9, 10.0.0.7",
			want:      "10.9.9.9",
		},
		{
			name:      "garbled hop stops the walk",
			config:    proxies,
			remote:    "10.0.0.5:443",
			forwarded: "203.0.113.42, not-an-ip",
			realIP:    "198.51.100.1",
			want:      "198.51.100.1",
		},
		{
			name:   "real ip header from trusted proxy",
			config: proxies,
			remote: "10.0.0.5:443",
			realIP: "203.0.113.77",
			want:   "203.0.113.77",
		},
		{
			name:      "ipv6 proxy and mapped client",
			config:    proxies,
			remote:    "[2001:db8:ffff::1]:443",
			forwarded: "::ffff:203.0.113.9",
			want:      "203.0.113.9",
		},
		{
			name:   "ipv6 peer is normalized",
			remote: "[2001:DB8::1]:443",
			want:   "2001:db8::1",
		},
		{
			name:   "peer without port",
			remote: "203.0.113.10",
			want:   "203.0.113.10",
		},
		{
			name:   "unparseable peer",
			remote: "pipe",
			want:   "unknown",
		},
		{
			name:      "invalid trust entries are ignored",
			config:    &pkghttp.IPConfig{TrustedProxies: []string{"not-a-cidr"}},
			remote:    "10.0.0.5:443",
			forwarded: "203.0.113.42",
			want:      "10.0.0.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, tt.config))
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"203.0.113.5", "203.0.113.5", true},
		{" 203.0.113.5 ", "203.0.113.5", true},
		{"::ffff:203.0.113.5", "203.0.113.5", true},
		{"2001:DB8::1", "2001:db8::1", true},
		{"fe80::1%eth0", "fe80::1", true},
		{"unknown", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := pkghttp.NormalizeAddress(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
