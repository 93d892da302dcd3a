package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Store on top of Redis so several processes can
// share one set of windows.
//
// Each record is a JSON string under "<prefix>:r:<key>". A sorted set at
// "<prefix>:expiry" indexes records by ExpiresAt (unix millis) so the sweep
// never has to SCAN the keyspace. CompareAndSwap uses WATCH/MULTI/EXEC.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
	closeOnce sync.Once
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisPrefix sets the key prefix. Default: "warden:ratelimit".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() RedisOption {
	return func(r *RedisBackend) { r.ownClient = true }
}

// RedisBackendConfig configures a RedisBackend created from an address.
type RedisBackendConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client: client,
		prefix: "warden:ratelimit",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisBackendWithConfig dials Redis and verifies the connection.
func NewRedisBackendWithConfig(ctx context.Context, cfg RedisBackendConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("redis ping", err)
	}

	return NewRedisBackend(rdb, WithRedisPrefix(cfg.KeyPrefix), WithOwnedClient()), nil
}

func (r *RedisBackend) recordKey(key Key) string {
	return r.prefix + ":r:" + key.String()
}

func (r *RedisBackend) expiryKey() string {
	return r.prefix + ":expiry"
}

// redisRecord is the JSON document stored per key.
type redisRecord struct {
	ID                    string    `json:"id"`
	Type                  KeyType   `json:"type"`
	Endpoint              string    `json:"endpoint,omitempty"`
	EndpointScoped        bool      `json:"endpoint_scoped"`
	Samples               []Sample  `json:"samples"`
	TotalRequestsLifetime float64   `json:"total_requests_lifetime"`
	WindowStart           time.Time `json:"window_start"`
	Window                int64     `json:"window_ns"`
	BlockedUntil          time.Time `json:"blocked_until"`
	ConsecutiveBlockCount int       `json:"consecutive_block_count"`
	ExpiresAt             time.Time `json:"expires_at"`
	Version               int64     `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func encodeRedisRecord(rec *Record) ([]byte, error) {
	path, scoped := rec.Key.Endpoint.Path()
	samples := rec.Samples
	if samples == nil {
		samples = []Sample{}
	}
	return json.Marshal(redisRecord{
		ID:                    rec.Key.ID,
		Type:                  rec.Key.Type,
		Endpoint:              path,
		EndpointScoped:        scoped,
		Samples:               samples,
		TotalRequestsLifetime: rec.TotalRequestsLifetime,
		WindowStart:           rec.WindowStart,
		Window:                int64(rec.Window),
		BlockedUntil:          rec.BlockedUntil,
		ConsecutiveBlockCount: rec.ConsecutiveBlockCount,
		ExpiresAt:             rec.ExpiresAt,
		Version:               rec.Version,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	})
}

func decodeRedisRecord(data []byte) (*Record, error) {
	var doc redisRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	rec := &Record{
		Key:                   Key{ID: doc.ID, Type: doc.Type},
		Samples:               doc.Samples,
		TotalRequestsLifetime: doc.TotalRequestsLifetime,
		WindowStart:           doc.WindowStart,
		Window:                time.Duration(doc.Window),
		BlockedUntil:          doc.BlockedUntil,
		ConsecutiveBlockCount: doc.ConsecutiveBlockCount,
		ExpiresAt:             doc.ExpiresAt,
		Version:               doc.Version,
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
	}
	if doc.EndpointScoped {
		rec.Key.Endpoint = ForEndpoint(doc.Endpoint)
	}
	return rec, nil
}

// GetOrCreate returns the record for key, creating it when absent.
func (r *RedisBackend) GetOrCreate(ctx context.Context, key Key, now time.Time, ttl time.Duration) (*Record, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	k := r.recordKey(key)
	fresh := NewRecord(key, now, ttl)
	payload, err := encodeRedisRecord(fresh)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		created, err := r.client.SetNX(ctx, k, payload, 0).Result()
		if err != nil {
			return nil, false, unavailable("redis setnx", err)
		}
		if created {
			if err := r.index(ctx, r.client, k, fresh.ExpiresAt); err != nil {
				return nil, false, err
			}
			return fresh, true, nil
		}

		rec, err := r.load(ctx, k)
		if err != nil {
			return nil, false, err
		}
		if rec != nil {
			return rec, false, nil
		}
		// Swept between SETNX and GET; try again.
	}

	return nil, false, unavailable("redis setnx", fmt.Errorf("record %s vanished after create", k))
}

func (r *RedisBackend) index(ctx context.Context, c redis.Cmdable, k string, expiresAt time.Time) error {
	if err := c.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(expiresAt.UnixMilli()), Member: k}).Err(); err != nil {
		return unavailable("redis zadd", err)
	}
	return nil
}

// Get returns the record for key, or nil if none exists.
func (r *RedisBackend) Get(ctx context.Context, key Key) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return r.load(ctx, r.recordKey(key))
}

func (r *RedisBackend) load(ctx context.Context, k string) (*Record, error) {
	data, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("redis get", err)
	}
	return decodeRedisRecord(data)
}

// CompareAndSwap stores rec if the stored version is unchanged.
func (r *RedisBackend) CompareAndSwap(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("record cannot be nil")
	}
	if err := rec.Key.Validate(); err != nil {
		return false, err
	}

	k := r.recordKey(rec.Key)
	swapped := false

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		current, err := decodeRedisRecord(data)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return nil
		}

		next := rec.Clone()
		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
		payload, err := encodeRedisRecord(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, payload, 0)
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(next.ExpiresAt.UnixMilli()), Member: k})
			return nil
		})
		if err != nil {
			return err
		}

		swapped = true
		return nil
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("redis swap", err)
	}

	if swapped {
		rec.Version++
	}
	return swapped, nil
}

// Delete removes the record for key.
func (r *RedisBackend) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	k := r.recordKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.ZRem(ctx, r.expiryKey(), k)
		return nil
	})
	if err != nil {
		return unavailable("redis delete", err)
	}
	return nil
}

// DeleteExpiredBefore removes up to limit records that expired before now.
// Each candidate is re-checked under WATCH so a record refreshed by a
// concurrent request is left alone.
func (r *RedisBackend) DeleteExpiredBefore(ctx context.Context, now time.Time, limit int) (int, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	candidates, err := r.client.ZRangeByScore(ctx, r.expiryKey(), by).Result()
	if err != nil {
		return 0, unavailable("redis zrangebyscore", err)
	}

	deleted := 0
	for _, k := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		removed := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				// Dangling index entry.
				return tx.ZRem(ctx, r.expiryKey(), k).Err()
			}
			if err != nil {
				return err
			}

			rec, err := decodeRedisRecord(data)
			if err != nil {
				return err
			}
			if !rec.ExpiresAt.Before(now) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, k)
				pipe.ZRem(ctx, r.expiryKey(), k)
				return nil
			})
			if err == nil {
				removed = true
			}
			return err
		}, k)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return deleted, unavailable("redis sweep", err)
		}
		if removed {
			deleted++
		}
	}

	return deleted, nil
}

// Ping verifies the Redis connection.
func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

// Close closes the client if the backend owns it.
func (r *RedisBackend) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.ownClient {
			err = r.client.Close()
		}
	})
	return err
}
