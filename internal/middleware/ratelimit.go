package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rateBucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limiter keyed by authenticated user, falling
// back to the remote address for unauthenticated routes. It guards the
// session-creation endpoint, where every request costs a provider API call.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	limit   int
	window  time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*rateBucket),
		limit:   limit,
		window:  window,
	}
	go rl.sweep()
	return rl
}

// sweep drops expired buckets so the map does not grow without bound.
func (rl *RateLimiter) sweep() {
	for {
		time.Sleep(rl.window)
		now := time.Now()
		rl.mu.Lock()
		for key, b := range rl.buckets {
			if now.After(b.resetAt) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) key(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != uuid.Nil {
		return userID.String()
	}
	return r.RemoteAddr
}

func (rl *RateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &rateBucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	b.count++
	return b.count <= rl.limit
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rl.key(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
