package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"

	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/proxy"
)

// Identity is everything the rate limiter knows about a caller.
type Identity struct {
	// APIKey is the presented API key, if any.
	APIKey string

	// UserID is the authenticated user, if any.
	UserID string

	// IP is the resolved client address. Always set.
	IP string
}

// IdentityFromRequest resolves the caller of r. X-Forwarded-For is only
// honored when the direct peer falls inside trusted.
func IdentityFromRequest(r *http.Request, trusted []netip.Prefix) *Identity {
	return &Identity{
		APIKey: proxy.ExtractAPIKey(r),
		UserID: proxy.ExtractUserID(r),
		IP:     proxy.ExtractClientIP(r, trusted),
	}
}

// KeyFor builds the limiter key a rule applies to. It returns false when the
// caller lacks the identity the rule needs, e.g. an anonymous caller under a
// per-user rule.
//
// ip, user and api_key keys are scoped to the rule's endpoint prefix, so a
// global rule and a per-endpoint rule of the same type keep separate
// records. Endpoint rules scope the API key to the request path.
func (id *Identity) KeyFor(rule rules.Rule, path string) (storage.Key, bool) {
	switch rule.KeyType {
	case storage.KeyTypeIP:
		if id.IP == "" {
			return storage.Key{}, false
		}
		return storage.Key{ID: id.IP, Type: storage.KeyTypeIP, Endpoint: rule.Scope()}, true

	case storage.KeyTypeUser:
		if id.UserID == "" {
			return storage.Key{}, false
		}
		return storage.Key{ID: id.UserID, Type: storage.KeyTypeUser, Endpoint: rule.Scope()}, true

	case storage.KeyTypeAPIKey:
		if id.APIKey == "" {
			return storage.Key{}, false
		}
		return storage.Key{ID: id.APIKey, Type: storage.KeyTypeAPIKey, Endpoint: rule.Scope()}, true

	case storage.KeyTypeEndpoint:
		if id.APIKey == "" {
			return storage.Key{}, false
		}
		return storage.Key{
			ID:       id.APIKey,
			Type:     storage.KeyTypeEndpoint,
			Endpoint: storage.ForEndpoint(path),
		}, true
	}
	return storage.Key{}, false
}

// LogValue implements slog.LogValuer with the API key redacted.
func (id *Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_key", proxy.RedactAPIKey(id.APIKey)),
		slog.String("user_id", id.UserID),
		slog.String("client_ip", id.IP),
	)
}
