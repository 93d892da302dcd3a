package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/storage"
)

var epoch = time.Unix(1_700_000_000, 0)

func seed(t *testing.T, store storage.Store, n int, ttl time.Duration, prefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := storage.Key{ID: fmt.Sprintf("%s-%d", prefix, i), Type: storage.KeyTypeUser}
		if _, _, err := store.GetOrCreate(context.Background(), key, epoch, ttl); err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
	}
}

func fastConfig() Config {
	return Config{BatchSize: 10, BatchesPerSecond: 1000}
}

func TestHousekeeper_Sweep(t *testing.T) {
	store := storage.NewMemoryBackend()
	defer store.Close()

	seed(t, store, 25, time.Minute, "expired")
	seed(t, store, 5, time.Hour, "live")

	h := New(store, fastConfig())
	deleted, err := h.Sweep(context.Background(), epoch.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 25 {
		t.Errorf("Expected 25 deleted, got %d", deleted)
	}
	if store.Size() != 5 {
		t.Errorf("Expected 5 live records to remain, got %d", store.Size())
	}

	// Idempotent: nothing left to delete.
	deleted, err = h.Sweep(context.Background(), epoch.Add(10*time.Minute))
	if err != nil || deleted != 0 {
		t.Errorf("Expected empty second sweep, got %d, %v", deleted, err)
	}
}

func TestHousekeeper_MaxBatches(t *testing.T) {
	store := storage.NewMemoryBackend()
	defer store.Close()
	seed(t, store, 50, time.Minute, "expired")

	cfg := fastConfig()
	cfg.MaxBatches = 2
	h := New(store, cfg)

	deleted, err := h.Sweep(context.Background(), epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 20 {
		t.Errorf("Expected 2 batches of 10, got %d", deleted)
	}
	if store.Size() != 30 {
		t.Errorf("Expected 30 records left for the next tick, got %d", store.Size())
	}
}

// countingStore counts DeleteExpiredBefore calls and can fail them.
type countingStore struct {
	storage.Store
	calls atomic.Int64
	err   error
}

func (s *countingStore) DeleteExpiredBefore(ctx context.Context, now time.Time, limit int) (int, error) {
	s.calls.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return s.Store.DeleteExpiredBefore(ctx, now, limit)
}

func TestHousekeeper_Pacing(t *testing.T) {
	mem := storage.NewMemoryBackend()
	defer mem.Close()
	seed(t, mem, 30, time.Minute, "expired")

	store := &countingStore{Store: mem}
	h := New(store, Config{BatchSize: 10, BatchesPerSecond: 20})

	start := time.Now()
	if _, err := h.Sweep(context.Background(), epoch.Add(time.Hour)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	elapsed := time.Since(start)

	// Four calls (three full batches and a short one) at 20/s with burst 1.
	if store.calls.Load() != 4 {
		t.Errorf("Expected 4 batches, got %d", store.calls.Load())
	}
	if elapsed < 140*time.Millisecond {
		t.Errorf("Batches were not paced: %v", elapsed)
	}
}

func TestHousekeeper_StoreError(t *testing.T) {
	mem := storage.NewMemoryBackend()
	defer mem.Close()

	store := &countingStore{Store: mem, err: storage.ErrUnavailable}
	reg := prometheus.NewRegistry()
	metrics := limits.NewMetrics(reg)
	h := New(store, fastConfig(), WithMetrics(metrics))

	_, err := h.Sweep(context.Background(), epoch)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	got, err := testutil.GatherAndCount(reg, "warden_limits_housekeeper_sweeps_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected one sweep series, got %d", got)
	}
}

func TestHousekeeper_ContextCanceled(t *testing.T) {
	mem := storage.NewMemoryBackend()
	defer mem.Close()
	seed(t, mem, 100, time.Minute, "expired")

	h := New(mem, Config{BatchSize: 1, BatchesPerSecond: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	deleted, err := h.Sweep(ctx, epoch.Add(time.Hour))
	if err == nil {
		t.Fatal("Expected sweep to stop on context deadline")
	}
	if deleted >= 100 {
		t.Errorf("Expected a partial sweep, deleted %d", deleted)
	}
}

func TestHousekeeper_Defaults(t *testing.T) {
	h := New(storage.NewMemoryBackend(), Config{})
	cfg := h.Config()
	if cfg.Schedule != "@every 60s" || cfg.BatchSize != 500 || cfg.BatchesPerSecond != 10 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name        string
		schedule    string
		wantRunning bool
		wantError   bool
	}{
		{
			name:        "default every minute",
			schedule:    "@every 60s",
			wantRunning: true,
		},
		{
			name:        "standard cron",
			schedule:    "*/5 * * * *",
			wantRunning: true,
		},
		{
			name:      "invalid schedule",
			schedule:  "invalid cron",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryBackend()
			defer store.Close()

			scheduler := NewScheduler(New(store, Config{Schedule: tt.schedule}))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := scheduler.Start(ctx)
			if (err != nil) != tt.wantError {
				t.Errorf("Start() error = %v, wantError %v", err, tt.wantError)
			}
			if scheduler.IsRunning() != tt.wantRunning {
				t.Errorf("IsRunning() = %v, want %v", scheduler.IsRunning(), tt.wantRunning)
			}

			if tt.wantRunning {
				next := scheduler.NextRun()
				if next == nil {
					t.Error("NextRun() returned nil for running scheduler")
				} else if !next.After(time.Now()) {
					t.Errorf("NextRun() = %v, expected a future time", next)
				}
			}

			scheduler.Stop()
			if scheduler.IsRunning() {
				t.Error("Scheduler still running after Stop")
			}
		})
	}
}

func TestScheduler_RunsSweeps(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}

	mem := storage.NewMemoryBackend()
	defer mem.Close()
	seed(t, mem, 3, time.Minute, "expired")

	h := New(mem, Config{Schedule: "@every 1s", BatchesPerSecond: 1000}, WithClock(func() time.Time {
		return epoch.Add(time.Hour)
	}))
	scheduler := NewScheduler(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for mem.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if mem.Size() != 0 {
		t.Errorf("Expected scheduled sweep to delete expired records, %d left", mem.Size())
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	if scheduler.IsRunning() {
		t.Error("Expected scheduler to stop when context is canceled")
	}
}
