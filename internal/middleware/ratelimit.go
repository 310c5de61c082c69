package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/ordertracking/internal/httputil"
)

const (
	limiterIdleTTL      = 3 * time.Minute
	limiterSweepPeriod  = time.Minute
	rateLimitedResponse = "rate limit exceeded"
)

// ipLimiter holds a rate limiter and the last time it was accessed.
type ipLimiter struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (e *ipLimiter) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

func (e *ipLimiter) idleSince(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastSeen)
}

// rateLimiterStore manages per-IP rate limiters with automatic cleanup.
type rateLimiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
}

// newRateLimiterStore creates a store that evicts stale entries until ctx is
// done.
func newRateLimiterStore(ctx context.Context, rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{rps: rps, burst: burst}
	go s.cleanup(ctx)
	return s
}

// getLimiter returns the rate limiter for the given IP, creating one if needed.
func (s *rateLimiterStore) getLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.touch(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst), lastSeen: now}
	actual, loaded := s.limiters.LoadOrStore(ip, entry)
	if loaded {
		existing := actual.(*ipLimiter)
		existing.touch(now)
		return existing.limiter
	}
	return entry.limiter
}

func (s *rateLimiterStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (s *rateLimiterStore) sweep(now time.Time) {
	s.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiter).idleSince(now) > limiterIdleTTL {
			s.limiters.Delete(key)
		}
		return true
	})
}

// clientIP returns the peer address of the request. X-Forwarded-For is not
// trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}

// RateLimit returns a gorilla/mux middleware that enforces per-IP rate
// limiting using a token bucket. rps is the sustained requests-per-second
// rate and burst the maximum burst size. The limiter sweep stops with ctx.
func RateLimit(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	store := newRateLimiterStore(ctx, rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.getLimiter(clientIP(r)).Allow() {
				httputil.WriteError(w, http.StatusTooManyRequests, rateLimitedResponse)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
