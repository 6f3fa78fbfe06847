package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1234", "198.51.100.7"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Real-IP": "2.2.2.2"}, "10.0.0.1:1", "1.1.1.1"},
		{"remote addr", nil, "192.0.2.44:5555", "192.0.2.44"},
		{"remote without port", nil, "192.0.2.44", "192.0.2.44"},
		{"ipv6 remote", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"nothing", nil, "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ResolveClientIP(r, nil))
		})
	}
}

func TestResolveClientIP_TrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "127.0.0.1"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5")

	r.RemoteAddr = "10.1.2.3:80"
	assert.Equal(t, "203.0.113.5", ResolveClientIP(r, trusted))

	r.RemoteAddr = "127.0.0.1:80"
	assert.Equal(t, "203.0.113.5", ResolveClientIP(r, trusted))

	r.RemoteAddr = "198.51.100.1:80"
	assert.Equal(t, "198.51.100.1", ResolveClientIP(r, trusted), "spoofed header from untrusted peer is ignored")
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	nets, err := ParseTrustedProxies([]string{"", " "})
	require.NoError(t, err)
	assert.Empty(t, nets)
}

func TestGetIdentifier(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:9999"

	assert.Equal(t, "ratelimit:192.0.2.1", GetIdentifier(r, IdentifierOptions{}))
	assert.Equal(t, "api:192.0.2.1", GetIdentifier(r, IdentifierOptions{KeyPrefix: "api:"}))

	byUser := IdentifierOptions{KeyFunc: func(r *http.Request) string { return r.Header.Get("X-User-ID") }}
	r.Header.Set("X-User-ID", "u-77")
	assert.Equal(t, "ratelimit:u-77", GetIdentifier(r, byUser))

	r.Header.Del("X-User-ID")
	assert.Equal(t, "ratelimit:unknown", GetIdentifier(r, byUser), "custom function is used exclusively")
}
