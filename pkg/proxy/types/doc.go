// Package types defines the JSON error bodies returned over HTTP.
//
// ErrorResponse wraps an ErrorDetail with a message, a type that maps to the
// HTTP status (rate_limit_exceeded is 429, service_unavailable is 503), and a
// machine-readable code. Throttled responses also carry retry_after seconds,
// mirroring the Retry-After header.
package types
