package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/vibewell25/vibewell-sub010/internal/core/domain"
)

const unknownIdentifier = "unknown"

// IdentifierOptions controla como o identificador da requisição é derivado.
type IdentifierOptions struct {
	KeyPrefix string
	// KeyFunc, when set, is the only source of the identifier.
	KeyFunc func(r *http.Request) string
	// TrustedProxies restricts forwarded headers to these peers. Empty trusts
	// every peer.
	TrustedProxies []*net.IPNet
}

// GetIdentifier returns the prefixed rate limit identifier for r.
func GetIdentifier(r *http.Request, opts IdentifierOptions) string {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = domain.DefaultKeyPrefix
	}
	return prefix + ResolveIdentity(r, opts)
}

// ResolveIdentity returns the identifier without the key prefix.
func ResolveIdentity(r *http.Request, opts IdentifierOptions) string {
	if opts.KeyFunc != nil {
		if id := strings.TrimSpace(opts.KeyFunc(r)); id != "" {
			return id
		}
		return unknownIdentifier
	}
	return ResolveClientIP(r, opts.TrustedProxies)
}

// ResolveClientIP: X-Forwarded-For (first entry), X-Real-IP, then the
// transport address. Forwarded headers are ignored unless the peer is trusted.
func ResolveClientIP(r *http.Request, trusted []*net.IPNet) string {
	remote := remoteHost(r.RemoteAddr)

	if peerTrusted(remote, trusted) {
		xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if xForwardedFor != "" {
			parts := strings.Split(xForwardedFor, ",")
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}

		xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
		if xRealIP != "" {
			return xRealIP
		}
	}

	if remote == "" {
		return unknownIdentifier
	}
	return remote
}

// HeaderIdentity builds a KeyFunc and a UserFunc that read the caller's
// identity from header. The header is only honored when the peer is one of
// the trusted proxies; any other request is keyed by its client IP and
// carries no user id. An empty trusted list honors no one.
func HeaderIdentity(header string, trusted []*net.IPNet) (keyFunc, userFunc func(*http.Request) string) {
	user := func(r *http.Request) string {
		if len(trusted) == 0 || !peerTrusted(remoteHost(r.RemoteAddr), trusted) {
			return ""
		}
		return strings.TrimSpace(r.Header.Get(header))
	}
	key := func(r *http.Request) string {
		if id := user(r); id != "" {
			return "user:" + id
		}
		return ResolveClientIP(r, trusted)
	}
	return key, user
}

func remoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func peerTrusted(remote string, trusted []*net.IPNet) bool {
	if len(trusted) == 0 {
		return true
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies aceita CIDRs ou IPs isolados.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, domain.NewValidationError("trusted proxy", fmt.Sprintf("%q is not an IP or CIDR", entry))
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, domain.NewValidationError("trusted proxy", fmt.Sprintf("%q is not an IP or CIDR", entry))
		}
		nets = append(nets, n)
	}
	return nets, nil
}
