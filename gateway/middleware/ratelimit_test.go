package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"sales": {RequestsPerMinute: 1, Burst: 1}}, nil)
	handler := limiter.Middleware("sales")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/sales/1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesGroupsAndCallers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"sales":  {RequestsPerMinute: 1, Burst: 1},
		"tokens": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	sales := limiter.Middleware("sales")(okHandler())
	tokens := limiter.Middleware("tokens")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, h := range []http.Handler{sales, tokens} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected first request per group to succeed, got %d", res.Code)
		}
	}

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other = other.WithContext(WithCaller(other.Context(), testCaller))
	res := httptest.NewRecorder()
	sales.ServeHTTP(res, other)
	if res.Code != http.StatusOK {
		t.Fatalf("expected a distinct caller to have its own bucket, got %d", res.Code)
	}
}

func TestRateLimiterUnknownGroupIsUnlimited(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d limited", i)
		}
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"sales": {RequestsPerMinute: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("sales")(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	now = now.Add(10 * time.Minute)
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("X-Real-IP", "10.0.0.9")
	handler.ServeHTTP(httptest.NewRecorder(), other)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected idle visitor to be swept, have %d", len(limiter.visitors))
	}
}
