package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/toolink/admission/clock"
	"github.com/toolink/admission/limiter"
	"github.com/toolink/admission/middleware"
	"github.com/toolink/admission/policy"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	clk := clock.NewVirtual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := limiter.NewMemoryStore(limiter.WithMemoryClock(clk), limiter.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })

	defaults := policy.Defaults{
		Authenticated: policy.Limits{RequestsPerMinute: 6, BurstCapacity: 3, RetryAfterSeconds: 30},
		Anonymous:     policy.Limits{RequestsPerMinute: 2, BurstCapacity: 1, RetryAfterSeconds: 60},
	}
	engine, err := limiter.NewEngine(context.Background(), policy.NewMemoryRepository(), store,
		limiter.WithClock(clk), limiter.WithDefaults(defaults))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return New(":0", engine, opts)
}

func do(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CheckUntilDenied(t *testing.T) {
	s := newTestServer(t, Options{})

	for i := 2; i >= 0; i-- {
		rec := do(t, s, http.MethodGet, "/v1/check?user_id=42", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("check status = %d, want 200: %s", rec.Code, rec.Body)
		}
		var body checkResponse
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !body.Allowed || body.TokensRemaining != i || body.PolicyID != "default:authenticated" {
			t.Errorf("body = %+v, want allowed with %d remaining", body, i)
		}
	}

	rec := do(t, s, http.MethodGet, "/v1/check?user_id=42", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get(middleware.HeaderRetryAfter); got != "30" {
		t.Errorf("Retry-After = %q, want the 30s ceiling", got)
	}

	// another user is unaffected
	if rec := do(t, s, http.MethodGet, "/v1/check?user_id=7", nil); rec.Code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", rec.Code)
	}
}

func TestServer_CheckCostAndIdentityFallback(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/v1/check?cost=3", http.Header{"X-User-Id": {"42"}})
	if rec.Code != http.StatusOK || rec.Header().Get(middleware.HeaderRemaining) != "0" {
		t.Fatalf("status = %d remaining = %q, want 200 and 0", rec.Code, rec.Header().Get(middleware.HeaderRemaining))
	}

	// anonymous callers fall back to the client address
	rec = do(t, s, http.MethodGet, "/v1/check", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(middleware.HeaderLimit) != "1" {
		t.Errorf("anonymous status = %d limit = %q", rec.Code, rec.Header().Get(middleware.HeaderLimit))
	}
}

func TestServer_CheckBadRequests(t *testing.T) {
	s := newTestServer(t, Options{})

	for _, target := range []string{
		"/v1/check?user_id=42&cost=many",
		"/v1/check?user_id=42&cost=0",
		"/v1/check?user_id=42&endpoint=graphql",
		"/v1/check?user_id=42&endpoint=all",
	} {
		if rec := do(t, s, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, rec.Code)
		}
	}
}

func TestServer_StatusAndReset(t *testing.T) {
	s := newTestServer(t, Options{})
	do(t, s, http.MethodGet, "/v1/check?user_id=42&cost=2", nil)
	do(t, s, http.MethodGet, "/v1/check?user_id=42&endpoint=upload", nil)

	rec := do(t, s, http.MethodGet, "/v1/status?user_id=42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var report limiter.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Endpoints) != 3 || report.Endpoints[0].RequestsUsed != 2 || report.Endpoints[1].RequestsUsed != 1 {
		t.Fatalf("report = %+v", report)
	}

	rec = do(t, s, http.MethodDelete, "/v1/limits?user_id=42", nil)
	var reset struct {
		Identity string `json:"identity"`
		Deleted  int64  `json:"deleted"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&reset); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || reset.Deleted != 2 || reset.Identity != "user:42" {
		t.Errorf("reset = %d %+v, want 2 buckets deleted", rec.Code, reset)
	}

	rec = do(t, s, http.MethodGet, "/v1/check?user_id=42", nil)
	if rec.Header().Get(middleware.HeaderRemaining) != "2" {
		t.Errorf("remaining after reset = %q, want 2", rec.Header().Get(middleware.HeaderRemaining))
	}
}

func TestServer_Authz(t *testing.T) {
	s := newTestServer(t, Options{})
	h := http.Header{
		"X-User-Id":       {"42"},
		"X-Forwarded-Uri": {"/reports/monthly"},
	}

	for i := 0; i < 3; i++ {
		if rec := do(t, s, http.MethodGet, "/v1/authz", h); rec.Code != http.StatusNoContent {
			t.Fatalf("authz %d = %d, want 204", i, rec.Code)
		}
	}
	if rec := do(t, s, http.MethodGet, "/v1/authz", h); rec.Code != http.StatusTooManyRequests {
		t.Errorf("authz over limit = %d, want 429", rec.Code)
	}

	// the report bucket is separate from api
	if rec := do(t, s, http.MethodGet, "/v1/check?user_id=42", nil); rec.Header().Get(middleware.HeaderRemaining) != "2" {
		t.Errorf("api remaining = %q, want 2", rec.Header().Get(middleware.HeaderRemaining))
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}

	down := newTestServer(t, Options{Ping: func(context.Context) error { return errors.New("connection refused") }})
	if rec := do(t, down, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with failing ping = %d, want 503", rec.Code)
	}
}
