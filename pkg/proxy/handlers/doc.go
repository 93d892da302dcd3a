// Package handlers provides the operator HTTP endpoints.
//
// AdminHandler exposes the admission engine's maintenance operations:
//
//	GET  /admin/usage?key_type=api_key&id=sk-...&endpoint=/v1/chat
//	POST /admin/unblock  {"key_type": "ip", "id": "203.0.113.7"}
//	POST /admin/reset    {"key_type": "user", "id": "user-42"}
//
// Usage never creates a record. Unblock reports whether anything changed.
// Reset deletes the key's record outright.
//
// When an admin token is configured every call must carry
// "Authorization: Bearer <token>".
package handlers
