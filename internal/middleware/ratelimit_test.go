package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// okHandler is a simple handler that returns 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
})

func limited(t *testing.T, rps float64, burst int) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return RateLimit(ctx, rps, burst)(okHandler)
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRateLimit_AllowsWithinLimit(t *testing.T) {
	handler := limited(t, 10, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(handler, "192.168.1.1:12345").Code, "request %d", i+1)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	handler := limited(t, 1, 2)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:12345").Code)
	}

	rr := hit(handler, "10.0.0.1:12345")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	var body struct {
		IsSuccess bool   `json:"isSuccess"`
		Error     string `json:"error"`
		ErrorCode int    `json:"errorCode"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.False(t, body.IsSuccess)
	assert.Equal(t, "rate limit exceeded", body.Error)
	assert.Equal(t, http.StatusTooManyRequests, body.ErrorCode)
}

func TestRateLimit_SeparateLimitersPerIP(t *testing.T) {
	handler := limited(t, 1, 1)

	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.1:12345").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(handler, "10.0.0.1:12345").Code)
	assert.Equal(t, http.StatusOK, hit(handler, "10.0.0.2:12345").Code)
}

func TestRateLimit_XForwardedForIgnored(t *testing.T) {
	handler := limited(t, 1, 1)

	req1 := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	req1.Header.Set("X-Forwarded-For", "203.0.113.50")
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	require.Equal(t, http.StatusOK, rr1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req2.RemoteAddr = "10.0.0.1:12345"
	req2.Header.Set("X-Forwarded-For", "198.51.100.99")
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code, "a spoofed X-Forwarded-For must not reset the bucket")
}

func TestRateLimit_WithMuxRouter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := mux.NewRouter()
	r.Use(RateLimit(ctx, 1, 1))
	r.HandleFunc("/api/orders", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:12345").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1:12345").Code)
}

func TestRateLimiterStore_SweepEvictsIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newRateLimiterStore(ctx, 1, 1)

	s.getLimiter("10.0.0.1")
	s.getLimiter("10.0.0.2")
	s.sweep(time.Now().Add(limiterIdleTTL + time.Second))

	count := 0
	s.limiters.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", clientIP(r))
}
