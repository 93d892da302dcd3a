package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/warden/pkg/limits"
	"mercator-hq/warden/pkg/limits/rules"
	"mercator-hq/warden/pkg/limits/storage"
	"mercator-hq/warden/pkg/proxy/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func newHolder(rs ...rules.Rule) *rules.Holder {
	return rules.NewHolder(&rules.Set{Rules: rs})
}

func newRequest(method, path, apiKey string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.7:4444"
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req
}

func newEngine(t *testing.T) *limits.Engine {
	t.Helper()
	store := storage.NewMemoryBackend()
	t.Cleanup(func() { store.Close() })
	return limits.NewEngine(limits.Config{Store: store})
}

// stubChecker returns a fixed verdict/error and counts calls. When errType
// is set, err is only returned for keys of that type.
type stubChecker struct {
	verdict  *limits.Verdict
	err      error
	errType  storage.KeyType
	calls    atomic.Int64
	keys     []storage.Key
	refunded []storage.Key
}

func (s *stubChecker) CheckAndRecord(ctx context.Context, key storage.Key, limit int, window time.Duration, weight float64) (*limits.Verdict, error) {
	s.calls.Add(1)
	s.keys = append(s.keys, key)
	if s.err != nil && (s.errType == "" || s.errType == key.Type) {
		return &limits.Verdict{Limit: limit}, s.err
	}
	if s.verdict != nil {
		return s.verdict, nil
	}
	return &limits.Verdict{Allowed: true, Limit: limit, Remaining: limit - 1, ResetTime: time.Now().Add(window)}, nil
}

func (s *stubChecker) Refund(ctx context.Context, key storage.Key, sample storage.Sample) (bool, error) {
	s.refunded = append(s.refunded, key)
	return true, nil
}

func TestRateLimitMiddleware_NoRules(t *testing.T) {
	checker := &stubChecker{}
	handler := RateLimitMiddleware(checker, newHolder(), RateLimitOptions{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodGet, "/test", ""))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if checker.calls.Load() != 0 {
		t.Errorf("Expected no checks, got %d", checker.calls.Load())
	}
	if w.Header().Get(HeaderRateLimitLimit) != "" {
		t.Error("Expected no rate limit headers without rules")
	}
}

func TestRateLimitMiddleware_WithinLimits(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder(rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 5, Window: time.Minute})
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodGet, "/test", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "success" {
		t.Errorf("Expected body 'success', got %q", w.Body.String())
	}
	if got := w.Header().Get(HeaderRateLimitLimit); got != "5" {
		t.Errorf("Expected X-RateLimit-Limit 5, got %q", got)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != "4" {
		t.Errorf("Expected X-RateLimit-Remaining 4, got %q", got)
	}
	reset, err := strconv.ParseInt(w.Header().Get(HeaderRateLimitReset), 10, 64)
	if err != nil || reset < time.Now().Unix() {
		t.Errorf("Expected a future X-RateLimit-Reset, got %q", w.Header().Get(HeaderRateLimitReset))
	}
}

func TestRateLimitMiddleware_Throttled(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder(rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 2, Window: time.Minute})

	var reached atomic.Int64
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 4)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, newRequest(http.MethodGet, "/test", ""))
		codes[i] = last.Code
	}

	want := []int{200, 200, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("Request %d: expected %d, got %d", i+1, want[i], codes[i])
		}
	}
	if reached.Load() != 2 {
		t.Errorf("Expected 2 requests to reach the handler, got %d", reached.Load())
	}

	if got := last.Header().Get(HeaderRetryAfter); got != "60" {
		t.Errorf("Expected Retry-After 60, got %q", got)
	}
	if got := last.Header().Get(HeaderRateLimitRemaining); got != "0" {
		t.Errorf("Expected remaining 0 on denial, got %q", got)
	}

	var body types.ErrorResponse
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Type != types.ErrorTypeRateLimitExceeded || body.Error.RetryAfter != 60 {
		t.Errorf("Unexpected error body: %+v", body.Error)
	}
}

func TestRateLimitMiddleware_RuleMatching(t *testing.T) {
	checker := &stubChecker{}
	holder := newHolder(
		rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 100, Window: time.Minute},
		rules.Rule{Name: "per-key", KeyType: storage.KeyTypeAPIKey, Limit: 50, Window: time.Minute},
		rules.Rule{Name: "per-user", KeyType: storage.KeyTypeUser, Limit: 50, Window: time.Minute},
		rules.Rule{Name: "chat", KeyType: storage.KeyTypeEndpoint, Endpoint: "/v1/chat", Methods: []string{"POST"}, Limit: 10, Window: time.Minute, Weight: 2},
		rules.Rule{Name: "chat-ip", KeyType: storage.KeyTypeIP, Endpoint: "/v1/chat/", Limit: 20, Window: time.Minute},
	)
	handler := RateLimitMiddleware(checker, holder, RateLimitOptions{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodPost, "/v1/chat/completions", "sk-abc"))

	// per-user is skipped: no X-User-ID.
	if len(checker.keys) != 4 {
		t.Fatalf("Expected 4 checks, got %d: %v", len(checker.keys), checker.keys)
	}
	if checker.keys[0] != (storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP}) {
		t.Errorf("Unexpected ip key: %+v", checker.keys[0])
	}
	if checker.keys[1] != (storage.Key{ID: "sk-abc", Type: storage.KeyTypeAPIKey}) {
		t.Errorf("Unexpected api key: %+v", checker.keys[1])
	}
	want := storage.Key{ID: "sk-abc", Type: storage.KeyTypeEndpoint, Endpoint: storage.ForEndpoint("/v1/chat/completions")}
	if checker.keys[2] != want {
		t.Errorf("Unexpected endpoint key: %+v", checker.keys[2])
	}
	want = storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP, Endpoint: storage.ForEndpoint("/v1/chat")}
	if checker.keys[3] != want {
		t.Errorf("Unexpected scoped ip key: %+v", checker.keys[3])
	}
	if len(checker.refunded) != 0 {
		t.Errorf("Expected no refunds for an admitted request, got %v", checker.refunded)
	}

	// The tightest admitted rule drives the headers.
	if got := w.Header().Get(HeaderRateLimitLimit); got != "10" {
		t.Errorf("Expected tightest limit 10, got %q", got)
	}
}

func TestRateLimitMiddleware_FirstDenialStops(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder(
		rules.Rule{Name: "tight", KeyType: storage.KeyTypeIP, Limit: 1, Window: time.Minute},
		rules.Rule{Name: "loose", KeyType: storage.KeyTypeAPIKey, Limit: 100, Window: time.Minute},
	)
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(okHandler())

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), newRequest(http.MethodGet, "/", "sk-abc"))
	}

	usage, err := engine.GetUsage(context.Background(), storage.Key{ID: "sk-abc", Type: storage.KeyTypeAPIKey})
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.TotalRequestsLifetime != 1 {
		t.Errorf("Expected only the admitted request to reach the loose rule, got %v", usage.TotalRequestsLifetime)
	}
}

func TestRateLimitMiddleware_SeparateBucketsPerRule(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder(
		rules.Rule{Name: "global", KeyType: storage.KeyTypeIP, Limit: 100, Window: time.Minute},
		rules.Rule{Name: "search", KeyType: storage.KeyTypeIP, Endpoint: "/search", Limit: 3, Window: time.Minute},
	)
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(okHandler())

	serve := func(path string) int {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequest(http.MethodGet, path, ""))
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := serve("/other"); code != http.StatusOK {
			t.Fatalf("Request %d to /other: expected 200, got %d", i+1, code)
		}
	}
	// Traffic elsewhere must not eat into the /search allowance.
	for i := 0; i < 3; i++ {
		if code := serve("/search"); code != http.StatusOK {
			t.Fatalf("Request %d to /search: expected 200, got %d", i+1, code)
		}
	}
	if code := serve("/search"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once /search is exhausted, got %d", code)
	}
	if code := serve("/other"); code != http.StatusOK {
		t.Errorf("Expected /other to stay open, got %d", code)
	}

	ctx := context.Background()
	global, err := engine.GetUsage(ctx, storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP})
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if global.CurrentLoad != 6 {
		t.Errorf("Expected global load 6, got %v", global.CurrentLoad)
	}
	search, err := engine.GetUsage(ctx, storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP, Endpoint: storage.ForEndpoint("/search")})
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if search.CurrentLoad != 3 {
		t.Errorf("Expected /search load 3, got %v", search.CurrentLoad)
	}
}

func TestRateLimitMiddleware_LaterDenialRefundsEarlierRules(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder(
		rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 5, Window: time.Minute},
		rules.Rule{Name: "per-key", KeyType: storage.KeyTypeAPIKey, Limit: 1, Window: time.Minute},
	)
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(okHandler())

	var served, throttled int
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequest(http.MethodGet, "/", "sk-abc"))
		switch w.Code {
		case http.StatusOK:
			served++
		case http.StatusTooManyRequests:
			throttled++
		default:
			t.Fatalf("Unexpected status %d", w.Code)
		}
	}
	if served != 1 || throttled != 3 {
		t.Fatalf("Expected 1 served and 3 throttled, got %d and %d", served, throttled)
	}

	usage, err := engine.GetUsage(context.Background(), storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP})
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.CurrentLoad != 1 {
		t.Errorf("Expected ip load to count only the served request, got %v", usage.CurrentLoad)
	}
	if usage.CurrentWindowCount != 1 {
		t.Errorf("Expected one sample in the ip window, got %d", usage.CurrentWindowCount)
	}
}

func TestRateLimitMiddleware_ErrorRefundsEarlierRules(t *testing.T) {
	checker := &stubChecker{
		err:     &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrStorageUnavailable},
		errType: storage.KeyTypeAPIKey,
	}
	holder := newHolder(
		rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 5, Window: time.Minute},
		rules.Rule{Name: "per-key", KeyType: storage.KeyTypeAPIKey, Limit: 5, Window: time.Minute},
	)
	handler := RateLimitMiddleware(checker, holder, RateLimitOptions{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodGet, "/", "sk-abc"))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}
	if len(checker.refunded) != 1 || checker.refunded[0] != (storage.Key{ID: "203.0.113.7", Type: storage.KeyTypeIP}) {
		t.Errorf("Expected the ip charge to be refunded, got %v", checker.refunded)
	}
}

func TestRateLimitMiddleware_ErrorPolicy(t *testing.T) {
	rule := rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 5, Window: time.Minute}

	tests := []struct {
		name       string
		err        error
		opts       RateLimitOptions
		wantStatus int
		wantCode   string
	}{
		{
			name:       "contended denies by default",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrContended},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   types.CodeContended,
		},
		{
			name:       "contended allowed",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrContended},
			opts:       RateLimitOptions{OnContention: ContentionAllow},
			wantStatus: http.StatusOK,
		},
		{
			name:       "storage unavailable denies",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrStorageUnavailable},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.CodeStorageUnavailable,
		},
		{
			name:       "storage unavailable fail open",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrStorageUnavailable},
			opts:       RateLimitOptions{FailOpenOnStorageError: true},
			wantStatus: http.StatusOK,
		},
		{
			name:       "timeout denies",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: context.DeadlineExceeded},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.CodeStorageUnavailable,
		},
		{
			name:       "invalid configuration",
			err:        &limits.CheckError{Op: "CheckAndRecord", Err: limits.ErrInvalidConfiguration},
			opts:       RateLimitOptions{FailOpenOnStorageError: true},
			wantStatus: http.StatusInternalServerError,
			wantCode:   types.CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &stubChecker{err: tt.err}
			handler := RateLimitMiddleware(checker, newHolder(rule), tt.opts)(okHandler())

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, newRequest(http.MethodGet, "/", ""))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantCode == "" {
				return
			}
			var body types.ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, body.Error.Code)
			}
		})
	}
}

// slowChecker blocks until its context is done.
type slowChecker struct{}

func (slowChecker) CheckAndRecord(ctx context.Context, key storage.Key, limit int, window time.Duration, weight float64) (*limits.Verdict, error) {
	<-ctx.Done()
	return &limits.Verdict{Limit: limit}, &limits.CheckError{Op: "CheckAndRecord", Key: key, Err: ctx.Err()}
}

func (slowChecker) Refund(ctx context.Context, key storage.Key, sample storage.Sample) (bool, error) {
	return false, nil
}

func TestRateLimitMiddleware_CheckTimeout(t *testing.T) {
	holder := newHolder(rules.Rule{Name: "per-ip", KeyType: storage.KeyTypeIP, Limit: 5, Window: time.Minute})
	handler := RateLimitMiddleware(slowChecker{}, holder, RateLimitOptions{CheckTimeout: 20 * time.Millisecond})(okHandler())

	start := time.Now()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodGet, "/", ""))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 on check timeout, got %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Check timeout not enforced: %v", elapsed)
	}
}

func TestRateLimitMiddleware_HotReload(t *testing.T) {
	engine := newEngine(t)
	holder := newHolder()
	handler := RateLimitMiddleware(engine, holder, RateLimitOptions{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, newRequest(http.MethodGet, "/", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 without rules, got %d", w.Code)
	}

	holder.Store(&rules.Set{Rules: []rules.Rule{{Name: "none", KeyType: storage.KeyTypeIP, Limit: 1, Window: time.Minute}}})

	codes := []int{}
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, newRequest(http.MethodGet, "/", ""))
		codes = append(codes, w.Code)
	}
	if fmt.Sprint(codes) != "[200 429]" {
		t.Errorf("Expected [200 429] after reload, got %v", codes)
	}
}

func TestRateLimitMiddleware_IdentityInContext(t *testing.T) {
	var got *Identity
	handler := RateLimitMiddleware(&stubChecker{}, newHolder(), RateLimitOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetIdentity(r.Context())
	}))

	req := newRequest(http.MethodGet, "/", "sk-abc")
	req.Header.Set("X-User-ID", "user-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("Expected identity in context")
	}
	if got.APIKey != "sk-abc" || got.UserID != "user-1" || got.IP != "203.0.113.7" {
		t.Errorf("Unexpected identity: %+v", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
