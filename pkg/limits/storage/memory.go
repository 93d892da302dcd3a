package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MemoryBackend implements Store using in-memory storage.
// This is the default backend and provides fast access with no persistence.
// All data is lost when the process exits.
//
// Records are spread over independently locked shards so requests for
// different keys do not contend on a single mutex.
type MemoryBackend struct {
	shards []*memoryShard
	closed chan struct{}
	once   sync.Once
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// MemoryBackendConfig configures the memory backend.
type MemoryBackendConfig struct {
	// Shards is the number of independently locked partitions.
	// Default: 64
	Shards int
}

// NewMemoryBackend creates a new in-memory storage backend with default settings.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryBackendConfig{})
}

// NewMemoryBackendWithConfig creates a new in-memory backend with custom configuration.
func NewMemoryBackendWithConfig(cfg MemoryBackendConfig) *MemoryBackend {
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}

	m := &MemoryBackend{
		shards: make([]*memoryShard, cfg.Shards),
		closed: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{records: make(map[string]*Record)}
	}
	return m
}

func (m *MemoryBackend) shard(id string) *memoryShard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

func (m *MemoryBackend) checkOpen() error {
	select {
	case <-m.closed:
		return unavailable("memory", fmt.Errorf("backend closed"))
	default:
		return nil
	}
}

// GetOrCreate returns the record for key, creating it when absent.
func (m *MemoryBackend) GetOrCreate(ctx context.Context, key Key, now time.Time, ttl time.Duration) (*Record, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	if err := m.checkOpen(); err != nil {
		return nil, false, err
	}

	id := key.String()
	s := m.shard(id)

	s.mu.RLock()
	rec, ok := s.records[id]
	if ok {
		out := rec.Clone()
		s.mu.RUnlock()
		return out, false, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have created it between the locks.
	if rec, ok := s.records[id]; ok {
		return rec.Clone(), false, nil
	}

	rec = NewRecord(key, now, ttl)
	s.records[id] = rec
	return rec.Clone(), true, nil
}

// Get returns the record for key, or nil if none exists.
func (m *MemoryBackend) Get(ctx context.Context, key Key) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	id := key.String()
	s := m.shard(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// CompareAndSwap stores rec if the stored version is unchanged.
func (m *MemoryBackend) CompareAndSwap(ctx context.Context, rec *Record) (bool, error) {
	if rec == nil {
		return false, fmt.Errorf("record cannot be nil")
	}
	if err := rec.Key.Validate(); err != nil {
		return false, err
	}
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	id := rec.Key.String()
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok || current.Version != rec.Version {
		return false, nil
	}

	next := rec.Clone()
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	s.records[id] = next

	rec.Version = next.Version
	return true, nil
}

// Delete removes the record for key.
func (m *MemoryBackend) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.checkOpen(); err != nil {
		return err
	}

	id := key.String()
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// DeleteExpiredBefore removes up to limit records that expired before now.
// Shards are locked one at a time so the request path is never stalled
// behind a full scan.
func (m *MemoryBackend) DeleteExpiredBefore(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		s.mu.Lock()
		for id, rec := range s.records {
			if limit > 0 && deleted >= limit {
				break
			}
			if rec.ExpiresAt.Before(now) {
				delete(s.records, id)
				deleted++
			}
		}
		s.mu.Unlock()

		if limit > 0 && deleted >= limit {
			break
		}
	}

	return deleted, nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	return m.checkOpen()
}

// Close releases any resources held by the backend.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Size returns the current number of stored records.
// This is useful for monitoring and testing.
func (m *MemoryBackend) Size() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
