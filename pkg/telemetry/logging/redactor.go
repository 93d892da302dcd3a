package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redactor masks secrets in log attributes.
//
// Attributes are masked by key name (api_key, authorization, token, secret,
// password) and string values are scrubbed of embedded API keys and bearer
// tokens. Rate limit keys of API-key types ("api_key:..." and
// "endpoint:...") are masked as a whole.
type Redactor struct {
	patterns []*redactPattern
}

// redactPattern contains a compiled regex and replacement string.
type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Pattern names.
const (
	PatternAPIKey      = "api_key"
	PatternBearerToken = "bearer_token"
	PatternPassword    = "password"
)

// keyPrefixes are rate limit key encodings whose ID is an API key.
var keyPrefixes = []string{"api_key:", "endpoint:"}

// sensitiveKeys are attribute names whose values are always masked.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token",
	"api_key", "apikey", "authorization",
	"private_key",
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*redactPattern{
			{
				name:        PatternBearerToken,
				regex:       regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
				replacement: "Bearer ***",
			},
			{
				name:        PatternAPIKey,
				regex:       regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{4,}`),
				replacement: "sk-***",
			},
			{
				name:        PatternPassword,
				regex:       regexp.MustCompile(`(password|passwd|pwd)[:=]\s*[^\s&]+`),
				replacement: "$1=***",
			},
		},
	}
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr that redacts a.
func (r *Redactor) ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch a.Key {
		case slog.TimeKey, slog.LevelKey, slog.SourceKey, slog.MessageKey:
			return a
		}
	}

	v := a.Value.Resolve()
	if v.Kind() != slog.KindString {
		if isSensitiveKey(a.Key) && v.Kind() != slog.KindGroup {
			return slog.String(a.Key, "***")
		}
		return a
	}

	s := v.String()
	switch {
	case s == "":
		return a
	case isSensitiveKey(a.Key):
		return slog.String(a.Key, redactValue(s))
	case a.Key == "key" && hasKeyPrefix(s):
		return slog.String(a.Key, redactLimitKey(s))
	}
	return slog.String(a.Key, r.RedactString(s))
}

// RedactString scrubs secrets embedded in a free-form string.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactValue keeps a short prefix for correlation.
func redactValue(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***"
}

func hasKeyPrefix(s string) bool {
	for _, p := range keyPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// redactLimitKey keeps the key type and masks the rest.
func redactLimitKey(s string) string {
	typ, _, _ := strings.Cut(s, ":")
	return typ + ":***"
}
