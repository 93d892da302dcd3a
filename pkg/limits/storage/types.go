package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store defines the interface for rate limit record persistence.
// Implementations must be thread-safe and must never serialize unrelated keys
// behind a single lock beyond what the underlying engine imposes.
//
// All mutation of an existing record goes through CompareAndSwap. A caller
// that loses the race must re-read the record and redo its decision.
type Store interface {
	// GetOrCreate returns the record for key, creating it when absent.
	// The returned bool reports whether this call created the record.
	// Concurrent creators observe the same record; duplicate-key errors
	// never reach the caller.
	GetOrCreate(ctx context.Context, key Key, now time.Time, ttl time.Duration) (*Record, bool, error)

	// Get returns the record for key, or nil if none exists.
	Get(ctx context.Context, key Key) (*Record, error)

	// CompareAndSwap persists rec only if the stored version still equals
	// rec.Version. On success rec.Version is advanced to the stored value.
	// Returns false when the record changed or disappeared since it was read.
	CompareAndSwap(ctx context.Context, rec *Record) (bool, error)

	// Delete removes the record for key. No-op if it doesn't exist.
	Delete(ctx context.Context, key Key) error

	// DeleteExpiredBefore removes up to limit records whose ExpiresAt is
	// before now and returns how many were removed. A limit <= 0 removes all.
	DeleteExpiredBefore(ctx context.Context, now time.Time, limit int) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// ErrUnavailable wraps every failure of the underlying storage engine.
var ErrUnavailable = errors.New("storage unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// KeyType is the kind of subject a rate limit key identifies.
type KeyType string

const (
	// KeyTypeIP limits by client IP address.
	KeyTypeIP KeyType = "ip"

	// KeyTypeUser limits by authenticated user ID.
	KeyTypeUser KeyType = "user"

	// KeyTypeAPIKey limits by API key ID.
	KeyTypeAPIKey KeyType = "api_key"

	// KeyTypeEndpoint limits an API key on a single endpoint.
	KeyTypeEndpoint KeyType = "endpoint"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeIP, KeyTypeUser, KeyTypeAPIKey, KeyTypeEndpoint:
		return true
	}
	return false
}

// ParseKeyType converts a string into a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	t := KeyType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown key type %q", s)
	}
	return t, nil
}

// Endpoint scopes a key to one endpoint or to all endpoints.
// The zero value applies across all endpoints.
type Endpoint struct {
	path   string
	scoped bool
}

// AnyEndpoint returns an Endpoint that applies across all endpoints.
func AnyEndpoint() Endpoint { return Endpoint{} }

// ForEndpoint returns an Endpoint scoped to path.
func ForEndpoint(path string) Endpoint { return Endpoint{path: path, scoped: true} }

// Scoped reports whether the endpoint is bound to a single path.
func (e Endpoint) Scoped() bool { return e.scoped }

// Path returns the endpoint path and whether one is set.
func (e Endpoint) Path() (string, bool) { return e.path, e.scoped }

func (e Endpoint) String() string {
	if !e.scoped {
		return "*"
	}
	return e.path
}

// Key is the composite key (ID, Type, Endpoint) of one rate limit bucket.
type Key struct {
	// ID is the subject identifier (IP string, user ID, API key ID).
	ID string

	// Type is the kind of subject.
	Type KeyType

	// Endpoint optionally narrows the key to one endpoint.
	Endpoint Endpoint
}

// Validate checks that the key can be stored.
func (k Key) Validate() error {
	if k.ID == "" {
		return fmt.Errorf("key id cannot be empty")
	}
	if !k.Type.Valid() {
		return fmt.Errorf("invalid key type %q", k.Type)
	}
	return nil
}

// String returns a stable, unambiguous encoding of the composite key.
// Components are length-prefixed so no ID or path can collide with another.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteString(string(k.Type))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(len(k.ID)))
	sb.WriteByte(':')
	sb.WriteString(k.ID)
	if k.Endpoint.scoped {
		sb.WriteString(":e")
		sb.WriteString(strconv.Itoa(len(k.Endpoint.path)))
		sb.WriteByte(':')
		sb.WriteString(k.Endpoint.path)
	} else {
		sb.WriteString(":*")
	}
	return sb.String()
}

// Sample is one admitted request inside the tracked horizon.
type Sample struct {
	// At is when the request was admitted.
	At time.Time `json:"at"`

	// Weight is the cost of the request toward the limit.
	Weight float64 `json:"weight"`
}

// Record is the persisted state of one rate limit bucket.
type Record struct {
	// Key is the composite key this record belongs to.
	Key Key

	// Samples holds admitted requests in insertion order. Pruned lazily.
	Samples []Sample

	// TotalRequestsLifetime is the total weight ever admitted. Never decremented.
	TotalRequestsLifetime float64

	// WindowStart is when the record was created. Informational only.
	WindowStart time.Time

	// Window is the window duration used by the most recent decision.
	Window time.Duration

	// BlockedUntil is the end of the current or most recent block.
	// Zero means no block is recorded.
	BlockedUntil time.Time

	// ConsecutiveBlockCount is the number of blocks since the last recovery.
	ConsecutiveBlockCount int

	// ExpiresAt is when the record becomes eligible for deletion.
	ExpiresAt time.Time

	// Version is the optimistic concurrency revision.
	Version int64

	// CreatedAt is when the record was first stored.
	CreatedAt time.Time

	// UpdatedAt is when the record was last swapped.
	UpdatedAt time.Time
}

// NewRecord returns a fresh record for key created at now.
func NewRecord(key Key, now time.Time, ttl time.Duration) *Record {
	return &Record{
		Key:         key,
		WindowStart: now,
		Window:      ttl / 2,
		ExpiresAt:   now.Add(ttl),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Blocked reports whether a block is active at now.
func (r *Record) Blocked(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && r.BlockedUntil.After(now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Samples != nil {
		c.Samples = make([]Sample, len(r.Samples))
		copy(c.Samples, r.Samples)
	}
	return &c
}
