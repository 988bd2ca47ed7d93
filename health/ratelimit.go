package health

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-IP rate limit for the operational API: 30 requests per minute with
// a small burst allowance. Stale limiters are evicted lazily.
const (
	requestsPerMinute = 30
	limiterBurst      = 10
	limiterIdleEvict  = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func rateLimitMiddleware() func(http.Handler) http.Handler {
	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	getLimiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		for key, l := range limiters {
			if now.Sub(l.lastSeen) > limiterIdleEvict {
				delete(limiters, key)
			}
		}

		l, ok := limiters[ip]
		if !ok {
			l = &ipLimiter{
				limiter: rate.NewLimiter(rate.Limit(requestsPerMinute)/60, limiterBurst),
			}
			limiters[ip] = l
		}
		l.lastSeen = now
		return l.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !getLimiter(ip).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
