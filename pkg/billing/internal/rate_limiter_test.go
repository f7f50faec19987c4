package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_BurstThenReject(t *testing.T) {
	limiter := NewRateLimiter(1, 3)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("request beyond burst should be rejected")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("other clients have their own bucket")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Error("token should refill after one second")
	}
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(10, 10)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		limiter.Allow(ip)
	}
	assert.Equal(t, 3, limiter.Len())

	now = now.Add(5 * time.Minute)
	limiter.Allow("10.0.0.9")

	assert.Equal(t, 1, limiter.Len(), "idle visitors should be dropped on the next request")
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	rejected := 0
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), func() { rejected++ })

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "192.168.1.7:5555"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
	assert.Equal(t, 1, rejected)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.168.1.1:1234", nil, "192.168.1.1"},
		{"remote addr without port", "192.168.1.1", nil, "192.168.1.1"},
		{"x-real-ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "203.0.113.5"}, "203.0.113.5"},
		{"x-forwarded-for first hop", "10.0.0.1:1",
			map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"}, "198.51.100.2"},
		{"x-real-ip wins", "10.0.0.1:1",
			map[string]string{"X-Real-IP": "203.0.113.5", "X-Forwarded-For": "198.51.100.2"}, "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
