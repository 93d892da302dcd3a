// Package proxy holds the HTTP plumbing shared by the gateway and the admin API.
//
// It extracts caller identity from requests, writes JSON error bodies, and
// builds the reverse proxy that forwards admitted traffic to the protected
// upstream.
//
// # Identity
//
// Callers are identified by, in order of precedence:
//
//   - API key: "Authorization: Bearer <key>" or "X-API-Key: <key>"
//   - User ID: "X-User-ID: <id>"
//   - Client IP: the connection's remote address, or the right-most
//     untrusted X-Forwarded-For hop when the peer is a trusted proxy
//
// # Error Handling
//
// All errors use one JSON shape:
//
//	{
//	  "error": {
//	    "message": "rate limit exceeded",
//	    "type": "rate_limit_exceeded",
//	    "code": "blocked",
//	    "retry_after": 60
//	  }
//	}
//
// The status code is derived from the error type (see types.ErrorDetail).
package proxy
