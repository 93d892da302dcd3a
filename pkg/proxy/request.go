package proxy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// HTTP header constants.
const (
	// AuthorizationHeader carries "Bearer <api-key>".
	AuthorizationHeader = "Authorization"

	// APIKeyHeader carries a bare API key.
	APIKeyHeader = "X-API-Key"

	// UserIDHeader carries the authenticated user ID.
	UserIDHeader = "X-User-ID"

	// ForwardedForHeader lists the client and intermediate proxies.
	ForwardedForHeader = "X-Forwarded-For"

	// RequestIDHeader carries the request correlation ID.
	RequestIDHeader = "X-Request-ID"
)

// ExtractAPIKey extracts the API key from the Authorization header, falling
// back to X-API-Key. The expected Authorization format is:
//
//	Authorization: Bearer sk-1234567890abcdef
//
// If neither header carries a key, an empty string is returned.
func ExtractAPIKey(r *http.Request) string {
	if authHeader := r.Header.Get(AuthorizationHeader); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if key := strings.TrimSpace(parts[1]); key != "" {
				return key
			}
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// ExtractUserID extracts the user ID from the X-User-ID header.
func ExtractUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

// ExtractRequestID extracts the request ID from the X-Request-ID header.
func ExtractRequestID(r *http.Request) string {
	return r.Header.Get(RequestIDHeader)
}

// ExtractClientIP returns the client address of r.
//
// X-Forwarded-For is only honored when the direct peer is in trusted; the
// right-most untrusted hop is then taken as the client.
func ExtractClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := remoteIP(r.RemoteAddr)
	if len(trusted) == 0 || !isTrusted(peer, trusted) {
		return peer
	}

	hops := strings.Split(r.Header.Get(ForwardedForHeader), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return peer
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies parses CIDRs or bare addresses into prefixes.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RedactAPIKey redacts an API key for safe logging.
// It shows only the first 7 and last 4 characters.
//
//	sk-1234567890abcdef -> sk-1234...cdef
func RedactAPIKey(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	if len(apiKey) < 12 {
		return "***"
	}
	return apiKey[:7] + "..." + apiKey[len(apiKey)-4:]
}
