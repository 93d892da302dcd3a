package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{"default timeout", 0, DefaultCheckTimeout},
		{"custom timeout", 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(tt.timeout)
			if checker.checkTimeout != tt.expectedTimeout {
				t.Errorf("expected timeout %v, got %v", tt.expectedTimeout, checker.checkTimeout)
			}
			if len(checker.ListChecks()) != 0 {
				t.Errorf("expected no checks, got %v", checker.ListChecks())
			}
		})
	}
}

func TestRegisterCheck(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("store", func(ctx context.Context) error { return nil })
	checker.RegisterCheck("rules", func(ctx context.Context) error { return nil })

	names := checker.ListChecks()
	if len(names) != 2 || names[0] != "rules" || names[1] != "store" {
		t.Errorf("expected [rules store], got %v", names)
	}

	checker.UnregisterCheck("rules")
	if len(checker.ListChecks()) != 1 {
		t.Errorf("expected 1 check after unregister, got %v", checker.ListChecks())
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func TestCheckReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		wantStatus string
	}{
		{"no checks", nil, StatusReady},
		{"all pass", map[string]CheckFunc{
			"store": PingCheck(stubPinger{}),
			"rules": func(ctx context.Context) error { return nil },
		}, StatusReady},
		{"one fails", map[string]CheckFunc{
			"store": PingCheck(stubPinger{err: errors.New("connection refused")}),
			"rules": func(ctx context.Context) error { return nil },
		}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(time.Second)
			for name, check := range tt.checks {
				checker.RegisterCheck(name, check)
			}

			status := checker.CheckReadiness(context.Background())
			if status.Status != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, status.Status)
			}
			if len(status.Checks) != len(tt.checks) {
				t.Errorf("expected %d results, got %d", len(tt.checks), len(status.Checks))
			}
		})
	}
}

func TestCheckReadiness_FailureMessage(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("store", PingCheck(stubPinger{err: errors.New("connection refused")}))

	result := checker.CheckReadiness(context.Background()).Checks["store"]
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %q", result.Status)
	}
	if result.Message != "connection refused" {
		t.Errorf("expected error message, got %q", result.Message)
	}
}

func TestCheckReadiness_Timeout(t *testing.T) {
	checker := New(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely.
	checker.RegisterCheck("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	status := checker.CheckReadiness(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected readiness to return after timeout, took %v", elapsed)
	}
	if status.Checks["stuck"].Message != ErrCheckTimeout.Error() {
		t.Errorf("expected timeout message, got %q", status.Checks["stuck"].Message)
	}
}

func TestLivenessHandler(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("store", PingCheck(stubPinger{err: errors.New("down")}))

	w := httptest.NewRecorder()
	checker.LivenessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected liveness to ignore checks and return 200, got %d", w.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Status != StatusOK {
		t.Errorf("expected status ok, got %q", status.Status)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ready", nil, http.StatusOK},
		{"degraded", errors.New("down"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(time.Second)
			checker.RegisterCheck("store", PingCheck(stubPinger{err: tt.err}))

			w := httptest.NewRecorder()
			checker.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}
		})
	}
}

func TestHandlers_Methods(t *testing.T) {
	checker := New(time.Second)
	handlers := map[string]http.Handler{
		"liveness":  checker.LivenessHandler(),
		"readiness": checker.ReadinessHandler(),
		"version":   VersionHandler(NewVersionInfo("1.0.0", "abc", "now")),
	}

	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected 405 for POST, got %d", w.Code)
			}

			w = httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/", nil))
			if w.Code != http.StatusOK || w.Body.Len() != 0 {
				t.Errorf("expected empty 200 for HEAD, got %d with %d bytes", w.Code, w.Body.Len())
			}
		})
	}
}

func TestVersionHandler(t *testing.T) {
	w := httptest.NewRecorder()
	VersionHandler(NewVersionInfo("1.2.3", "abc123", "2026-01-01")).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("unexpected version info: %+v", info)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, New(time.Second), NewVersionInfo("dev", "", ""), 0)

	for _, path := range []string{"/health", "/ready", "/version"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("expected 200 for %s, got %d", path, w.Code)
		}
	}
}

func TestRateLimitedHandler(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimitedHandler(inner, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("expected burst of 2 to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected third request to be shed, got %d", codes[2])
	}
}

func TestRateLimitedHandler_Disabled(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if h := RateLimitedHandler(inner, 0); h == nil {
		t.Fatal("expected handler")
	}
}
