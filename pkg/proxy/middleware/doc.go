// Package middleware provides the HTTP middleware of the gateway.
//
// # Middleware Chain
//
//	handler = RecoveryMiddleware(
//	    RequestIDMiddleware(
//	        LoggingMiddleware(logger)(
//	            RateLimitMiddleware(engine, holder, opts)(upstream))))
//
// Recovery is outermost so panics anywhere below become a 500. The request ID
// is assigned before logging so every access log line carries it.
//
// # Rate Limiting
//
// RateLimitMiddleware resolves the caller's Identity (API key, user ID and
// client IP), checks every matching rule against the admission engine and
// either forwards the request or answers:
//
//   - 429 with Retry-After (whole seconds, rounded up) when a rule denies
//   - 429 with code "contended" when the limiter cannot settle a concurrent
//     update, unless OnContention is "allow"
//   - 503 when the store is unreachable or a check exceeds CheckTimeout,
//     unless FailOpenOnStorageError is set
//
// Admitted requests carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds) for the rule with the least headroom.
//
// # Request ID
//
// RequestIDMiddleware reuses a client X-Request-ID or generates a UUID v4:
//
//	X-Request-ID: 550e8400-e29b-41d4-a716-446655440000
package middleware
