package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/backoff"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/telemetry"
)

func newTestServer(t *testing.T, mutate func(*config.Config), upstream http.Handler) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	tel, err := telemetry.New(&cfg.Telemetry, telemetry.BuildInfo{Version: "test"}, telemetry.WithLogWriter(io.Discard))
	if err != nil {
		t.Fatalf("telemetry.New failed: %v", err)
	}

	engine := limits.NewEngine(limits.Config{
		Store:   storage.NewMemoryBackend(),
		Backoff: backoff.Policy{Base: time.Minute, Max: time.Hour},
		Metrics: limits.NewMetrics(tel.Metrics().Registry()),
	})

	holder := rules.NewHolder(&rules.Set{Rules: []rules.Rule{{
		Name:     "api-ip",
		KeyType:  storage.KeyTypeIP,
		Endpoint: "/api",
		Limit:    2,
		Window:   time.Minute,
	}}})

	srv, err := NewServer(cfg, engine, holder, tel, upstream)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func okUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream")
	})
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Throttles(t *testing.T) {
	h := newTestServer(t, nil, okUpstream()).Handler()

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodGet, "/api/items")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Body.String() != "upstream" {
			t.Errorf("Expected upstream body, got %q", rec.Body.String())
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("Expected X-RateLimit-Remaining on admitted request")
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("Expected X-Request-ID header")
		}
	}

	rec := serve(h, http.MethodGet, "/api/items")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestHandler_UnmatchedPathNotLimited(t *testing.T) {
	h := newTestServer(t, nil, okUpstream()).Handler()

	for i := 0; i < 5; i++ {
		if rec := serve(h, http.MethodGet, "/other"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestHandler_NoUpstream(t *testing.T) {
	h := newTestServer(t, nil, nil).Handler()

	rec := serve(h, http.MethodGet, "/api/items")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without upstream, got %d", rec.Code)
	}
}

func TestHandler_BuiltinRoutes(t *testing.T) {
	h := newTestServer(t, nil, okUpstream()).Handler()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/version", http.StatusOK, `"version":"test"`},
		{"/ready", http.StatusServiceUnavailable, "server is not running"},
		{"/metrics", http.StatusOK, "warden_http_requests_total"},
	}

	// Generate one request so the HTTP counter has a series.
	serve(h, http.MethodGet, "/other")

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %q", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Telemetry.Metrics.Enabled = false
	}, nil).Handler()

	if rec := serve(h, http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with metrics disabled, got %d", rec.Code)
	}
}

func TestHandler_Admin(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Server.Admin.Token = "s3cret"
	}, okUpstream()).Handler()

	serve(h, http.MethodGet, "/api/items")

	rec := serve(h, http.MethodGet, "/admin/usage?key_type=ip&id=192.0.2.10")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/usage?key_type=ip&id=192.0.2.10&endpoint=/api", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 with token, got %d: %s", rr.Code, rr.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body: %v", err)
	}
	// The api-ip rule is scoped to /api, so its record lives under that endpoint.
	if body["found"] != true {
		t.Errorf("Expected the /api ip record to be found, got %v", body)
	}
}

func TestHandler_AdminDisabled(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Server.Admin.Enabled = false
	}, nil).Handler()

	if rec := serve(h, http.MethodGet, "/admin/usage?key_type=ip&id=1.2.3.4"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with admin disabled, got %d", rec.Code)
	}
}

func TestNewServer_InvalidTrustedProxies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TrustedProxies = []string{"not-a-cidr"}

	tel, err := telemetry.New(&cfg.Telemetry, telemetry.BuildInfo{}, telemetry.WithLogWriter(io.Discard))
	if err != nil {
		t.Fatalf("telemetry.New failed: %v", err)
	}

	if _, err := NewServer(cfg, limits.NewEngine(limits.Config{}), rules.NewHolder(nil), tel, nil); err == nil {
		t.Error("Expected error for invalid trusted proxy")
	}
}

func TestServer_StartShutdown(t *testing.T) {
	srv := newTestServer(t, nil, okUpstream())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected ready while running, got %d", resp.StatusCode)
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("Expected error starting a running server")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	if srv.IsRunning() {
		t.Error("Expected server stopped")
	}
}

func TestServer_Stop(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	for srv.Addr() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Stop()
	srv.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
