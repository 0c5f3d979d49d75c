package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/scheduler"
)

func authedRequest(method, target, token string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestWebhookUnknownProvider(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	recorder := httptest.NewRecorder()
	runtime.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/webhooks/gitlab", nil))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestAggregateRouteAuthorization(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	seedRepository(t, runtime)
	handler := runtime.Handler()

	cases := []struct {
		name     string
		method   string
		target   string
		token    string
		wantCode int
	}{
		{"org trigger without token", http.MethodPost, "/aggregate/org-1?date=2024-03-15", "", http.StatusUnauthorized},
		{"org trigger with api token", http.MethodPost, "/aggregate/org-1?date=2024-03-15", "api-token", http.StatusOK},
		{"org trigger with admin token", http.MethodPost, "/aggregate/org-1?date=2024-03-15", "admin-token", http.StatusOK},
		{"fleet trigger with api token", http.MethodPost, "/aggregate/all?date=2024-03-15", "api-token", http.StatusForbidden},
		{"fleet trigger with admin token", http.MethodPost, "/aggregate/all?date=2024-03-15", "admin-token", http.StatusOK},
		{"status without token", http.MethodGet, "/aggregate/status", "", http.StatusUnauthorized},
		{"status with api token", http.MethodGet, "/aggregate/status", "api-token", http.StatusOK},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, authedRequest(tc.method, tc.target, tc.token))
			if recorder.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", recorder.Code, tc.wantCode, recorder.Body.String())
			}
		})
	}
}

func TestAggregateOrganizationValidation(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	seedRepository(t, runtime)
	handler := runtime.Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/aggregate/org-1?date=15-03-2024", "api-token"))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("malformed date status = %d, want 400", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/aggregate/org-missing?date=2024-03-15", "api-token"))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown organization status = %d, want 404", recorder.Code)
	}
}

func TestAggregateOrganizationReturnsStats(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	seedRepository(t, runtime)
	handler := runtime.Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/aggregate/org-1?date=2024-03-15", "api-token"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}

	var stats scheduler.JobExecutionStats
	if err := json.Unmarshal(recorder.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Trigger != scheduler.TriggerManual {
		t.Fatalf("stats.Trigger = %q, want manual", stats.Trigger)
	}
	if stats.Day != "2024-03-15" {
		t.Fatalf("stats.Day = %q, want 2024-03-15", stats.Day)
	}
	if stats.OrganizationsProcessed != 1 {
		t.Fatalf("stats.OrganizationsProcessed = %d, want 1", stats.OrganizationsProcessed)
	}
}

func TestAggregateStatusReadThroughCache(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	runtime.cfg.Cache.Enabled = true
	runtime.cache = cache.NewMemory()
	handler := runtime.Handler()
	ctx := context.Background()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/aggregate/status", "api-token"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	firstBody := recorder.Body.String()

	cached, found, err := runtime.cache.Get(ctx, statusCacheKey)
	if err != nil || !found {
		t.Fatalf("cache after first read: found %v, err %v, want stored entry", found, err)
	}
	if string(cached) != firstBody {
		t.Fatalf("cached body %q differs from response %q", cached, firstBody)
	}

	// A poisoned cache entry proves the second read is served from cache.
	if err := runtime.cache.Set(ctx, statusCacheKey, []byte(`{"cached":true}`), 0); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodGet, "/aggregate/status", "api-token"))
	if recorder.Body.String() != `{"cached":true}` {
		t.Fatalf("second read = %q, want cached body", recorder.Body.String())
	}
}

func TestManualRunInvalidatesStatusCache(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	seedRepository(t, runtime)
	runtime.cfg.Cache.Enabled = true
	runtime.cache = cache.NewMemory()
	handler := runtime.Handler()
	ctx := context.Background()

	if err := runtime.cache.Set(ctx, statusCacheKey, []byte(`{"stale":true}`), 0); err != nil {
		t.Fatalf("Set() returned error: %v", err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, authedRequest(http.MethodPost, "/aggregate/org-1?date=2024-03-15", "api-token"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}

	if _, found, _ := runtime.cache.Get(ctx, statusCacheKey); found {
		t.Fatal("status cache entry survived a manual aggregation run")
	}
}

func TestHealthEndpointsAreRouted(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig())
	handler := runtime.Handler()

	for _, path := range []string{"/livez", "/readyz", "/healthz", "/metrics"} {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, recorder.Code)
		}
	}
}
